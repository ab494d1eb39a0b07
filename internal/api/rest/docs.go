package rest

import "github.com/swaggo/swag"

// docTemplate is the OpenAPI document served under /meshtable/swagger-ui.
const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "{{.Title}}",
        "description": "{{escape .Description}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "schemes": {{ marshal .Schemes }},
    "paths": {
        "/room": {"get": {"summary": "Room status and peers", "responses": {"200": {"description": "OK"}}}},
        "/room/open": {"post": {"summary": "Join or create a room", "responses": {"200": {"description": "OK"}, "409": {"description": "Already open"}, "502": {"description": "Transport unavailable"}}}},
        "/room/close": {"post": {"summary": "Leave the room", "responses": {"200": {"description": "Closed"}}}},
        "/objects": {
            "get": {"summary": "List live objects", "responses": {"200": {"description": "OK"}}},
            "post": {"summary": "Create an object", "responses": {"201": {"description": "Created"}, "400": {"description": "Invalid object"}, "409": {"description": "Duplicate identifier"}}}
        },
        "/objects/{id}": {
            "get": {"summary": "Fetch an object", "responses": {"200": {"description": "OK"}, "404": {"description": "Unknown"}, "410": {"description": "Destroyed"}}},
            "put": {"summary": "Set, unset and reparent in one write", "responses": {"200": {"description": "OK"}, "400": {"description": "Invalid change"}}},
            "delete": {"summary": "Destroy an object", "responses": {"204": {"description": "Destroyed"}}}
        },
        "/objects/{id}/children": {"get": {"summary": "Direct children of an object", "responses": {"200": {"description": "OK"}, "404": {"description": "Unknown"}}}},
        "/objects/{id}/snapshot": {"get": {"summary": "XML snapshot of a subtree", "produces": ["application/xml"], "responses": {"200": {"description": "OK"}}}},
        "/saves": {"get": {"summary": "List saves", "responses": {"200": {"description": "OK"}}}},
        "/saves/{name}": {
            "post": {"summary": "Save the room", "responses": {"201": {"description": "Saved"}}},
            "delete": {"summary": "Delete a save", "responses": {"204": {"description": "Deleted"}}}
        },
        "/saves/{name}/restore": {"post": {"summary": "Restore a save into the room", "responses": {"200": {"description": "OK"}, "404": {"description": "No such save"}}}},
        "/trash": {"get": {"summary": "Recently destroyed objects", "responses": {"200": {"description": "OK"}}}},
        "/trash/{id}/restore": {"post": {"summary": "Recreate a destroyed object under a new identifier", "responses": {"200": {"description": "Restored"}}}},
        "/identity/derive": {"get": {"summary": "Derive a room identifier from name and password", "responses": {"200": {"description": "OK"}}}}
    }
}`

// SwaggerInfo holds the exported API document metadata.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	BasePath:         "/meshtable",
	Schemes:          []string{"http"},
	Title:            "meshtable control API",
	Description:      "Controls a meshtable node: room membership, shared objects, saves and trash.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
