//go:build swagger

package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/swaggo/swag"
)

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/status": {"get": {"produces": ["application/json"], "summary": "Running and last rotation", "responses": {"200": {"description": "OK"}}}},
        "/telemetry": {"get": {"produces": ["application/json"], "summary": "Telemetry log of the current or last run", "responses": {"200": {"description": "OK"}, "404": {"description": "no run yet"}}}},
        "/devices": {"get": {"produces": ["application/json"], "summary": "Live device memory snapshots", "responses": {"200": {"description": "OK"}}}},
        "/rotations": {"post": {"consumes": ["application/json"], "produces": ["application/json"], "summary": "Start a rotation over the posted items", "parameters": [{"name": "wait", "in": "query", "type": "boolean"}], "responses": {"200": {"description": "finished (wait=1)"}, "202": {"description": "accepted"}, "400": {"description": "invalid body"}, "409": {"description": "a rotation is already running"}}}}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "ensembled API",
	Description:      "Rotation scheduling and telemetry for embedding-model ensembles.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

// MountSwagger serves the Swagger UI under /swagger/.
func MountSwagger(r chi.Router) {
	r.Get("/swagger", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/swagger/index.html", http.StatusMovedPermanently)
	})
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}
