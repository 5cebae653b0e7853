package mcphub

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// fetchCapabilities runs capability discovery against a freshly connected
// session and merges the advertised tools with the persisted permission sets.
// Discovery failures are non-fatal: the server may simply not support a list
// method, and a post-connect timeout must not flap the connection's status,
// so failures yield empty lists.
func fetchCapabilities(ctx context.Context, session *mcp.ClientSession, timeout time.Duration, perms ToolPermissions, logger *slog.Logger) ([]Tool, []Resource, []ResourceTemplate) {
	tools := fetchTools(ctx, session, timeout, perms, logger)
	resources := fetchResources(ctx, session, timeout, logger)
	templates := fetchResourceTemplates(ctx, session, timeout, logger)
	return tools, resources, templates
}

func fetchTools(ctx context.Context, session *mcp.ClientSession, timeout time.Duration, perms ToolPermissions, logger *slog.Logger) []Tool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := session.ListTools(ctx, nil)
	if err != nil {
		if !isMethodUnavailableError(err, "tools/list") {
			logger.Warn("tool discovery failed", "error", err)
		}
		return nil
	}
	tools := make([]Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		_, always := perms.AlwaysAllow[t.Name]
		_, disabled := perms.DisabledTools[t.Name]
		tools = append(tools, Tool{
			Name:             t.Name,
			Description:      t.Description,
			InputSchema:      t.InputSchema,
			AlwaysAllow:      always,
			EnabledForPrompt: !disabled,
		})
	}
	return tools
}

func fetchResources(ctx context.Context, session *mcp.ClientSession, timeout time.Duration, logger *slog.Logger) []Resource {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := session.ListResources(ctx, nil)
	if err != nil {
		if !isMethodUnavailableError(err, "resources/list") {
			logger.Debug("resource discovery failed", "error", err)
		}
		return nil
	}
	resources := make([]Resource, 0, len(res.Resources))
	for _, r := range res.Resources {
		resources = append(resources, Resource{
			URI:         r.URI,
			Name:        r.Name,
			MimeType:    r.MIMEType,
			Description: r.Description,
		})
	}
	return resources
}

func fetchResourceTemplates(ctx context.Context, session *mcp.ClientSession, timeout time.Duration, logger *slog.Logger) []ResourceTemplate {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := session.ListResourceTemplates(ctx, nil)
	if err != nil {
		if !isMethodUnavailableError(err, "resources/templates/list") {
			logger.Debug("resource template discovery failed", "error", err)
		}
		return nil
	}
	templates := make([]ResourceTemplate, 0, len(res.ResourceTemplates))
	for _, t := range res.ResourceTemplates {
		templates = append(templates, ResourceTemplate{
			URITemplate: t.URITemplate,
			Name:        t.Name,
			MimeType:    t.MIMEType,
			Description: t.Description,
		})
	}
	return templates
}

// isMethodUnavailableError reports whether err looks like the server simply
// does not implement the given method, as opposed to a transport failure.
func isMethodUnavailableError(err error, method string) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	if !(strings.Contains(lower, "method not found") ||
		strings.Contains(lower, "not implemented") ||
		strings.Contains(lower, "unsupported") ||
		strings.Contains(lower, "does not support") ||
		strings.Contains(lower, "unimplemented")) {
		return false
	}
	method = strings.ToLower(method)
	if strings.Contains(lower, method) {
		return true
	}
	for _, part := range strings.FieldsFunc(method, func(r rune) bool {
		return r == '/' || r == ':' || r == '.' || r == '_' || r == '-'
	}) {
		if part != "" && strings.Contains(lower, part) {
			return true
		}
	}
	return true
}
