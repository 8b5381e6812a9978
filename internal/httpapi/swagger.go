//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/swaggo/swag"
)

// openAPIDoc is a hand-maintained description of the routes NewMux serves.
type openAPIDoc struct{}

func (openAPIDoc) ReadDoc() string { return openAPISpec }

func init() {
	swag.Register(swag.Name, openAPIDoc{})
}

// MountSwagger serves the API description and Swagger UI under /swagger/.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}

const openAPISpec = `{
  "swagger": "2.0",
  "info": {"title": "enhanced API", "version": "1.0", "description": "Local image enhancement: model management, job queue, artifacts and compare views."},
  "basePath": "/",
  "schemes": ["http"],
  "paths": {
    "/models": {"get": {"summary": "List known models", "responses": {"200": {"description": "models"}}}},
    "/models/refresh": {"post": {"summary": "Re-read the model manifest", "responses": {"200": {"description": "models"}}}},
    "/models/{id}/install": {"post": {"summary": "Download and verify a model", "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "descriptor"}, "404": {"description": "unknown model"}, "502": {"description": "download failed"}}}},
    "/models/{id}": {"delete": {"summary": "Remove an installed model", "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}], "responses": {"204": {"description": "removed"}, "409": {"description": "model in use"}}}},
    "/device": {"get": {"summary": "Selected compute device", "responses": {"200": {"description": "device"}}}},
    "/device/probe": {"post": {"summary": "Probe devices again", "responses": {"200": {"description": "device"}}}},
    "/jobs": {
      "get": {"summary": "List jobs in submission order", "responses": {"200": {"description": "jobs"}}},
      "post": {"summary": "Submit a job (JSON image_path or multipart image)", "consumes": ["application/json", "multipart/form-data"], "responses": {"202": {"description": "accepted"}, "400": {"description": "invalid request"}}}
    },
    "/jobs/{id}": {
      "get": {"summary": "Job snapshot", "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "job"}, "404": {"description": "unknown job"}}},
      "delete": {"summary": "Forget a finished job", "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}], "responses": {"204": {"description": "forgotten"}, "409": {"description": "job still active"}}}
    },
    "/jobs/{id}/cancel": {"post": {"summary": "Cancel a job", "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "job"}}}},
    "/jobs/{id}/events": {"get": {"summary": "Server-sent job events", "produces": ["text/event-stream"], "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "event stream"}}}},
    "/jobs/{id}/artifacts": {"get": {"summary": "Artifacts produced by a job", "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "artifacts"}}}},
    "/jobs/{id}/artifacts/{stage}/reblend": {"post": {"summary": "Re-blend a stage's raw output at a new strength", "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}, {"name": "stage", "in": "path", "required": true, "type": "string"}], "responses": {"201": {"description": "new artifact"}, "400": {"description": "bad strength or stage without raw output"}, "409": {"description": "job still active"}}}},
    "/jobs/{id}/export": {"post": {"summary": "Copy outputs to a host directory", "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "export result"}, "409": {"description": "job still active"}}}},
    "/artifacts/{job}/{stage}": {"get": {"summary": "Artifact image bytes", "produces": ["image/png", "image/tiff"], "parameters": [{"name": "job", "in": "path", "required": true, "type": "string"}, {"name": "stage", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "image"}}}},
    "/history": {"get": {"summary": "Finished jobs, newest first", "parameters": [{"name": "limit", "in": "query", "type": "integer"}], "responses": {"200": {"description": "history"}}}},
    "/views": {"post": {"summary": "Open a compare view", "responses": {"201": {"description": "view state"}}}},
    "/views/{id}": {
      "get": {"summary": "View state", "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "view state"}}},
      "delete": {"summary": "Close a view", "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}], "responses": {"204": {"description": "closed"}}}
    },
    "/views/{id}/zoom": {"post": {"summary": "Zoom a pane around the cursor", "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "view state"}}}},
    "/views/{id}/pan": {"post": {"summary": "Pan a pane", "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "view state"}}}},
    "/views/{id}/divider": {"post": {"summary": "Move the split divider", "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "view state"}}}},
    "/views/{id}/fit": {"post": {"summary": "Reset panes to fit", "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "view state"}}}},
    "/status": {"get": {"summary": "Loader, queue and device status", "responses": {"200": {"description": "status"}}}},
    "/healthz": {"get": {"summary": "Liveness", "responses": {"200": {"description": "ok"}}}},
    "/readyz": {"get": {"summary": "Readiness", "responses": {"200": {"description": "ready"}, "503": {"description": "loading"}}}}
  }
}`
