package api

// route describes one documented endpoint.
type route struct {
	method   string
	path     string
	summary  string
	scope    string
	body     bool
	statuses map[string]string
}

var routes = []route{
	{
		method:  "get",
		path:    "/healthz",
		summary: "Backend readiness",
		statuses: map[string]string{
			"200": "Backend ready",
			"503": "Backend not ready",
		},
	},
	{
		method:  "post",
		path:    "/v1/commands/{name}",
		summary: "Submit a command to the backend and wait for its outcome",
		scope:   "commands:rw",
		body:    true,
		statuses: map[string]string{
			"200": "Command succeeded",
			"400": "Bad request",
			"409": "Command cancelled",
			"502": "Backend error, protocol error or disconnect",
			"503": "Backend unavailable",
			"504": "Command timed out",
		},
	},
	{
		method:   "get",
		path:     "/v1/status",
		summary:  "Bridge status and dispatch counters",
		scope:    "commands:ro",
		statuses: map[string]string{"200": "Status"},
	},
	{
		method:   "get",
		path:     "/v1/events",
		summary:  "Server-sent lifecycle events",
		scope:    "events:ro",
		statuses: map[string]string{"200": "Event stream"},
	},
	{
		method:  "get",
		path:    "/v1/journal",
		summary: "Recent command outcomes, newest first",
		scope:   "journal:ro",
		statuses: map[string]string{
			"200": "Journal entries",
			"404": "Journal disabled",
		},
	},
	{
		method:  "get",
		path:    "/v1/journal/summary",
		summary: "Aggregated command outcomes",
		scope:   "journal:ro",
		statuses: map[string]string{
			"200": "Summary",
			"404": "Journal disabled",
		},
	},
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document covering every route.
func buildOpenAPIDoc() map[string]any {
	paths := map[string]any{}
	for _, rt := range routes {
		responses := map[string]any{}
		for code, desc := range rt.statuses {
			responses[code] = map[string]any{"description": desc}
		}

		operation := map[string]any{
			"summary":   rt.summary,
			"responses": responses,
		}
		if rt.scope != "" {
			operation["security"] = []any{map[string]any{"BearerAuth": []string{rt.scope}}}
		}
		if rt.body {
			operation["requestBody"] = map[string]any{
				"required": false,
				"content": map[string]any{
					"application/json": map[string]any{
						"schema": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"args": map[string]any{"type": "array"},
							},
						},
					},
				},
			}
		}

		item, _ := paths[rt.path].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[rt.path] = item
		}
		item[rt.method] = operation
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Pomodoro Bridge",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}
