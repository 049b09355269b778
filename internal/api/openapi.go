package api

import (
	"fmt"
	"net/http"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document with one trigger operation
// per loaded pipeline.
func buildOpenAPIDoc(pipelines []string) map[string]any {
	paths := map[string]any{}
	for _, name := range pipelines {
		paths[fmt.Sprintf("/pipelines/%s/runs", name)] = map[string]any{
			"post": buildTriggerOperation(name),
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "rollout",
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

func buildTriggerOperation(name string) map[string]any {
	return map[string]any{
		"operationId": "run__" + name,
		"summary":     fmt.Sprintf("Run pipeline %s", name),
		"tags":        []string{"pipelines"},
		"requestBody": map[string]any{
			"required": true,
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": map[string]any{
						"type":     "object",
						"required": []string{"target", "ref"},
						"properties": map[string]any{
							"target": map[string]any{"type": "string"},
							"ref":    map[string]any{"type": "string"},
							"tags":   map[string]any{"type": "string", "default": "all"},
						},
					},
				},
			},
		},
		"responses": map[string]any{
			"202": map[string]any{"description": "Run accepted"},
			"400": map[string]any{"description": "Invalid parameters"},
			"403": map[string]any{"description": "Insufficient scope"},
			"404": map[string]any{"description": "Unknown pipeline"},
		},
		"security": []any{map[string]any{"BearerAuth": []string{}}},
	}
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	var names []string
	if s.deps.Pipelines != nil {
		names = s.deps.Pipelines.Names()
	}
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(names))
}
