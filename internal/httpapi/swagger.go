package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/swaggo/swag"
)

// openAPIDoc is the OpenAPI 2.0 description served at /swagger/doc.json.
const openAPIDoc = `{
  "swagger": "2.0",
  "info": {
    "title": "landmarkd API",
    "description": "Model lifecycle, admission control and batch landmark detection.",
    "version": "1.0"
  },
  "basePath": "/",
  "schemes": ["http"],
  "produces": ["application/json"],
  "paths": {
    "/models": {"get": {"summary": "List model descriptors", "responses": {"200": {"description": "catalog"}}}},
    "/models/{type}/load": {"post": {"summary": "Load a model", "parameters": [{"name": "type", "in": "path", "required": true, "type": "string", "enum": ["pose","hand","face","holistic"]}],
      "responses": {"200": {"description": "loaded"}, "429": {"description": "admission denied"}, "500": {"description": "load failed"}}}},
    "/models/{type}": {"delete": {"summary": "Unload a model", "parameters": [{"name": "type", "in": "path", "required": true, "type": "string"}],
      "responses": {"204": {"description": "unloaded"}, "409": {"description": "model in use"}, "404": {"description": "not loaded"}}}},
    "/models/switch": {"post": {"summary": "Release one model and load another", "responses": {"200": {"description": "switched"}}}},
    "/status": {"get": {"summary": "Resident models and memory budget", "responses": {"200": {"description": "status"}}}},
    "/admission": {"get": {"summary": "Check whether a cost fits the budget", "parameters": [{"name": "cost_mb", "in": "query", "required": true, "type": "integer"}],
      "responses": {"200": {"description": "decision"}}}},
    "/batches": {"post": {"summary": "Run models over a video", "produces": ["application/x-ndjson"],
      "responses": {"200": {"description": "progress lines followed by the run result"}, "429": {"description": "admission denied"}}}},
    "/jobs": {"get": {"summary": "List processing jobs", "responses": {"200": {"description": "jobs"}}}},
    "/jobs/{id}": {
      "get": {"summary": "Get a job", "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "job"}, "404": {"description": "unknown job"}}},
      "delete": {"summary": "Abort a job or run", "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}], "responses": {"202": {"description": "abort requested"}}}
    },
    "/performance/{type}": {"get": {"summary": "Rolling performance metrics", "parameters": [{"name": "type", "in": "path", "required": true, "type": "string"}],
      "responses": {"200": {"description": "metrics"}}}},
    "/compare": {"post": {"summary": "Compare stored batch results", "responses": {"200": {"description": "comparison"}}}},
    "/healthz": {"get": {"summary": "Liveness", "produces": ["text/plain"], "responses": {"200": {"description": "ok"}}}},
    "/readyz": {"get": {"summary": "Readiness", "produces": ["text/plain"], "responses": {"200": {"description": "ready"}, "503": {"description": "shutting down"}}}}
  }
}`

type staticDoc string

func (d staticDoc) ReadDoc() string { return string(d) }

func init() {
	swag.Register(swag.Name, staticDoc(openAPIDoc))
}

// MountSwagger serves the API description and the Swagger UI under /swagger/.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}
