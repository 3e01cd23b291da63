//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/swaggo/swag"
)

const docTemplate = `{
  "schemes": {{ marshal .Schemes }},
  "swagger": "2.0",
  "info": {
    "title": "{{.Title}}",
    "description": "{{escape .Description}}",
    "version": "{{.Version}}"
  },
  "basePath": "{{.BasePath}}",
  "paths": {
    "/models": {"get": {"summary": "List configured models", "produces": ["application/json"], "responses": {"200": {"description": "OK"}}}},
    "/status": {"get": {"summary": "Scheduler and instance status", "produces": ["application/json"], "responses": {"200": {"description": "OK"}}}},
    "/infer": {"post": {"summary": "Run a completion", "consumes": ["application/json"], "produces": ["application/x-ndjson"],
      "responses": {"200": {"description": "NDJSON stream"}, "400": {"description": "Bad request"}, "404": {"description": "Model not found"}, "429": {"description": "Queue full"}, "503": {"description": "Backend unavailable"}}}},
    "/chat": {"post": {"summary": "Answer a conversation, resuming cached state", "consumes": ["application/json"], "produces": ["application/x-ndjson"],
      "responses": {"200": {"description": "NDJSON stream"}, "400": {"description": "Bad request"}, "404": {"description": "Model not found"}, "429": {"description": "Queue full"}}}},
    "/cache/{model}": {"delete": {"summary": "Purge a model's prompt cache", "parameters": [{"name": "model", "in": "path", "required": true, "type": "string"}],
      "responses": {"200": {"description": "OK"}, "404": {"description": "Model not found"}}}},
    "/healthz": {"get": {"summary": "Liveness", "responses": {"200": {"description": "ok"}}}},
    "/readyz": {"get": {"summary": "Readiness", "responses": {"200": {"description": "ready"}, "503": {"description": "loading"}}}}
  }
}`

var swaggerInfo = &swag.Spec{
	Version:          "1.0",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "inferd API",
	Description:      "HTTP API for local model inference with prompt caching.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(swaggerInfo.InstanceName(), swaggerInfo)
}

// MountSwagger serves the UI under /swagger/.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}
