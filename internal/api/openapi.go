package api

// buildOpenAPIDoc returns an OpenAPI 3.1 document describing the manager endpoint.
func buildOpenAPIDoc(name string) map[string]any {
	title := "fanout manager"
	if name != "" {
		title = "fanout manager " + name
	}

	secured := []any{map[string]any{"BearerAuth": []string{}}}
	read := func(summary string, extra map[string]any) map[string]any {
		op := map[string]any{
			"summary":  summary,
			"security": secured,
			"responses": map[string]any{
				"200": map[string]any{"description": "OK"},
				"401": map[string]any{"description": "Missing or invalid token"},
				"403": map[string]any{"description": "Insufficient scope"},
			},
		}
		for k, v := range extra {
			op[k] = v
		}
		return op
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   title,
			"version": "1.0",
		},
		"paths": map[string]any{
			"/healthz": map[string]any{
				"get": map[string]any{
					"operationId": "healthz",
					"summary":     "Liveness and current state",
					"responses":   map[string]any{"200": map[string]any{"description": "OK"}},
				},
			},
			"/identity": map[string]any{
				"get": read("Manager identity and status", map[string]any{"operationId": "identity"}),
			},
			"/available/{project}": map[string]any{
				"get": read("Whether the manager accepts a project", map[string]any{
					"operationId": "available",
					"parameters": []any{map[string]any{
						"name": "project", "in": "path", "required": true,
						"schema": map[string]any{"type": "string"},
					}},
				}),
			},
			"/dispatch": map[string]any{
				"post": map[string]any{
					"operationId": "dispatch",
					"summary":     "Sync, install and run workers; blocks until all exit",
					"security":    secured,
					"requestBody": map[string]any{
						"required": true,
						"content": map[string]any{
							"application/json": map[string]any{
								"schema": map[string]any{
									"type":     "object",
									"required": []string{"project", "dispatcher"},
									"properties": map[string]any{
										"project":    map[string]any{"type": "string"},
										"dispatcher": map[string]any{"type": "string", "format": "uri"},
									},
								},
							},
						},
					},
					"responses": map[string]any{
						"200": map[string]any{"description": "Dispatch report"},
						"400": map[string]any{"description": "Bad request"},
						"403": map[string]any{"description": "Project not registered or insufficient scope"},
						"409": map[string]any{"description": "Another dispatch is running"},
						"422": map[string]any{"description": "Dispatcher host could not be resolved"},
						"502": map[string]any{"description": "Sync, install or hook command failed"},
					},
				},
			},
			"/dispatches": map[string]any{
				"get": read("Recent dispatches", map[string]any{"operationId": "listDispatches"}),
			},
			"/dispatches/{id}": map[string]any{
				"get": read("One dispatch with its worker runs", map[string]any{
					"operationId": "getDispatch",
					"parameters": []any{map[string]any{
						"name": "id", "in": "path", "required": true,
						"schema": map[string]any{"type": "string"},
					}},
				}),
			},
			"/events": map[string]any{
				"get": read("Server-sent lifecycle events", map[string]any{"operationId": "events"}),
			},
		},
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
