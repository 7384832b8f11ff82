// Package docs registers the OpenAPI document served under /swagger.
// Regenerate with `swag init -g cmd/main.go` after changing handler annotations.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/orders": {
            "get": {
                "produces": ["application/json"],
                "tags": ["orders"],
                "summary": "List live orders",
                "parameters": [
                    {"type": "string", "description": "Only orders of this customer", "name": "customer_id", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httpapi.ordersResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"type": "object", "additionalProperties": {"type": "string"}}}
                }
            },
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["orders"],
                "summary": "Checkout",
                "parameters": [
                    {"description": "Cart", "name": "input", "in": "body", "required": true, "schema": {"$ref": "#/definitions/httpapi.checkoutReq"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/domain.Order"}},
                    "400": {"description": "Bad Request", "schema": {"type": "object", "additionalProperties": {"type": "string"}}}
                }
            }
        },
        "/orders/refresh": {
            "post": {
                "produces": ["application/json"],
                "tags": ["orders"],
                "summary": "Reload orders and resubscribe",
                "parameters": [
                    {"type": "string", "description": "Only orders of this customer", "name": "customer_id", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httpapi.ordersResponse"}},
                    "502": {"description": "Bad Gateway", "schema": {"type": "object", "additionalProperties": {"type": "string"}}}
                }
            }
        },
        "/orders/stream": {
            "get": {
                "produces": ["text/event-stream"],
                "tags": ["orders"],
                "summary": "Live order stream",
                "parameters": [
                    {"type": "string", "description": "Only orders of this customer", "name": "customer_id", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httpapi.ordersResponse"}}
                }
            }
        },
        "/orders/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["orders"],
                "summary": "Get order by id",
                "parameters": [
                    {"type": "string", "description": "Order ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.Order"}},
                    "404": {"description": "Not Found", "schema": {"type": "object", "additionalProperties": {"type": "string"}}}
                }
            }
        },
        "/orders/{id}/status": {
            "patch": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["orders"],
                "summary": "Change order status",
                "parameters": [
                    {"type": "string", "description": "Order ID", "name": "id", "in": "path", "required": true},
                    {"description": "New status", "name": "input", "in": "body", "required": true, "schema": {"$ref": "#/definitions/httpapi.updateStatusReq"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.Order"}},
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/domain.Order"}},
                    "400": {"description": "Bad Request", "schema": {"type": "object", "additionalProperties": {"type": "string"}}},
                    "404": {"description": "Not Found", "schema": {"type": "object", "additionalProperties": {"type": "string"}}},
                    "409": {"description": "Conflict", "schema": {"type": "object", "additionalProperties": {"type": "string"}}},
                    "502": {"description": "Bad Gateway", "schema": {"type": "object", "additionalProperties": {"type": "string"}}}
                }
            }
        },
        "/reservations": {
            "get": {
                "produces": ["application/json"],
                "tags": ["reservations"],
                "summary": "List reservations",
                "parameters": [
                    {"type": "string", "description": "pending, confirmed, cancelled or completed", "name": "status", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/domain.Reservation"}}}
                }
            },
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["reservations"],
                "summary": "Create reservation",
                "parameters": [
                    {"description": "Reservation", "name": "input", "in": "body", "required": true, "schema": {"$ref": "#/definitions/httpapi.createReservationReq"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/domain.Reservation"}},
                    "400": {"description": "Bad Request", "schema": {"type": "object", "additionalProperties": {"type": "string"}}}
                }
            }
        },
        "/reservations/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["reservations"],
                "summary": "Get reservation by id",
                "parameters": [
                    {"type": "string", "description": "Reservation ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.Reservation"}},
                    "404": {"description": "Not Found", "schema": {"type": "object", "additionalProperties": {"type": "string"}}}
                }
            }
        },
        "/reservations/{id}/status": {
            "patch": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["reservations"],
                "summary": "Change reservation status",
                "parameters": [
                    {"type": "string", "description": "Reservation ID", "name": "id", "in": "path", "required": true},
                    {"description": "New status", "name": "input", "in": "body", "required": true, "schema": {"$ref": "#/definitions/httpapi.updateReservationStatusReq"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.Reservation"}},
                    "409": {"description": "Conflict", "schema": {"type": "object", "additionalProperties": {"type": "string"}}}
                }
            }
        }
    },
    "definitions": {
        "domain.OrderItem": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "name": {"type": "string"},
                "unit_price": {"type": "string"},
                "quantity": {"type": "integer"},
                "image_url": {"type": "string"},
                "description": {"type": "string"}
            }
        },
        "domain.Order": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "code": {"type": "string"},
                "customer_id": {"type": "string"},
                "customer_name": {"type": "string"},
                "phone": {"type": "string"},
                "address": {"type": "string"},
                "payment_method": {"type": "string", "enum": ["cash", "card", "online"]},
                "subtotal": {"type": "string"},
                "vat": {"type": "string"},
                "delivery_charge": {"type": "string"},
                "discount": {"type": "string"},
                "total_price": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "string", "enum": ["pending", "confirmed", "preparing", "ready", "completed", "cancelled"]},
                "items": {"type": "array", "items": {"$ref": "#/definitions/domain.OrderItem"}},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "domain.Reservation": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "name": {"type": "string"},
                "phone": {"type": "string"},
                "email": {"type": "string"},
                "party_size": {"type": "integer"},
                "reserved_for": {"type": "string"},
                "note": {"type": "string"},
                "status": {"type": "string", "enum": ["pending", "confirmed", "cancelled", "completed"]},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "httpapi.checkoutReq": {
            "type": "object",
            "properties": {
                "customer_id": {"type": "string"},
                "customer_name": {"type": "string"},
                "phone": {"type": "string"},
                "address": {"type": "string"},
                "payment_method": {"type": "string"},
                "message": {"type": "string"},
                "discount": {"type": "string"},
                "items": {"type": "array", "items": {"$ref": "#/definitions/domain.OrderItem"}}
            }
        },
        "httpapi.createReservationReq": {
            "type": "object",
            "properties": {
                "name": {"type": "string"},
                "phone": {"type": "string"},
                "email": {"type": "string"},
                "party_size": {"type": "integer"},
                "reserved_for": {"type": "string"},
                "note": {"type": "string"}
            }
        },
        "httpapi.ordersResponse": {
            "type": "object",
            "properties": {
                "orders": {"type": "array", "items": {"$ref": "#/definitions/domain.Order"}},
                "connection_status": {"type": "string", "enum": ["connecting", "connected", "disconnected"]},
                "last_error": {"type": "string"},
                "pending_updates": {"type": "array", "items": {"type": "string"}},
                "timers": {"type": "object", "additionalProperties": {"type": "integer"}},
                "timers_at": {"type": "string"}
            }
        },
        "httpapi.updateStatusReq": {
            "type": "object",
            "properties": {"status": {"type": "string"}}
        },
        "httpapi.updateReservationStatusReq": {
            "type": "object",
            "properties": {"status": {"type": "string"}}
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Sushi Yaki orders API",
	Description:      "Live order views, checkout and reservations.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
