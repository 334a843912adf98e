// Package docs holds the OpenAPI description served at /swagger.
//
// Regenerate with: swag init -g internal/http/router.go -o docs
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
        "/groups/{id}/transactions": {
            "get": {
                "operationId": "groupTransactions",
                "summary": "Group transactions snapshot",
                "tags": ["Groups"],
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "name": "X-User-ID", "in": "header"},
                    {"type": "string", "name": "If-None-Match", "in": "header"},
                    {"type": "string", "name": "id", "in": "path", "required": true},
                    {"type": "string", "name": "from", "in": "query"},
                    {"type": "string", "name": "to", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/services.Snapshot"}, "headers": {"ETag": {"type": "string"}}},
                    "304": {"description": "Not Modified"},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "403": {"description": "Not a member", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Group not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/groups/{id}/transactions/stream": {
            "get": {
                "operationId": "streamGroupTransactions",
                "summary": "Live group transactions",
                "tags": ["Groups"],
                "produces": ["text/event-stream"],
                "parameters": [
                    {"type": "string", "name": "X-User-ID", "in": "header"},
                    {"type": "string", "name": "id", "in": "path", "required": true},
                    {"type": "string", "name": "from", "in": "query"},
                    {"type": "string", "name": "to", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/services.Snapshot"}},
                    "403": {"description": "Not a member", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Group not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/groups/{id}/sync": {
            "get": {
                "operationId": "groupSyncStatus",
                "summary": "Group sync state",
                "tags": ["Groups"],
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "name": "X-User-ID", "in": "header"},
                    {"type": "string", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/services.GroupStatus"}},
                    "404": {"description": "Group not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "post": {
                "operationId": "syncGroup",
                "summary": "Sync a group now",
                "tags": ["Groups"],
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "name": "X-User-ID", "in": "header"},
                    {"type": "string", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/services.SyncReport"}},
                    "502": {"description": "Every member query failed", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "503": {"description": "Local cache unavailable", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/transactions": {
            "post": {
                "operationId": "createTransaction",
                "summary": "Create a transaction",
                "tags": ["Transactions"],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "name": "X-User-ID", "in": "header"},
                    {"type": "string", "name": "Idempotency-Key", "in": "header"},
                    {"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.TransactionRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/domain.Transaction"}},
                    "200": {"description": "Replayed", "schema": {"$ref": "#/definitions/domain.Transaction"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "403": {"description": "Not a member of a shared group", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/transactions/{id}": {
            "get": {
                "operationId": "getTransaction",
                "summary": "Get a transaction",
                "tags": ["Transactions"],
                "parameters": [
                    {"type": "string", "name": "X-User-ID", "in": "header"},
                    {"type": "string", "format": "uuid", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.Transaction"}},
                    "404": {"description": "Transaction not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "put": {
                "operationId": "updateTransaction",
                "summary": "Replace a transaction",
                "tags": ["Transactions"],
                "parameters": [
                    {"type": "string", "name": "X-User-ID", "in": "header"},
                    {"type": "string", "format": "uuid", "name": "id", "in": "path", "required": true},
                    {"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.TransactionRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.Transaction"}},
                    "404": {"description": "Transaction not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "delete": {
                "operationId": "deleteTransaction",
                "summary": "Delete a transaction",
                "tags": ["Transactions"],
                "parameters": [
                    {"type": "string", "name": "X-User-ID", "in": "header"},
                    {"type": "string", "format": "uuid", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "204": {"description": "No Content"},
                    "404": {"description": "Transaction not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/push/vapid-key": {
            "get": {
                "operationId": "vapidKey",
                "summary": "VAPID public key",
                "tags": ["Push"],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.VAPIDKeyResponse"}},
                    "404": {"description": "Push disabled", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/push/subscriptions": {
            "post": {
                "operationId": "registerPushSubscription",
                "summary": "Register a push subscription",
                "tags": ["Push"],
                "parameters": [
                    {"type": "string", "name": "X-User-ID", "in": "header"},
                    {"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.RegisterSubscriptionRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/handlers.SubscriptionResponse"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "delete": {
                "operationId": "unregisterPushSubscription",
                "summary": "Remove a push subscription",
                "tags": ["Push"],
                "parameters": [
                    {"type": "string", "name": "X-User-ID", "in": "header"},
                    {"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.UnregisterSubscriptionRequest"}}
                ],
                "responses": {
                    "204": {"description": "No Content"},
                    "404": {"description": "Subscription not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/push/events": {
            "post": {
                "operationId": "pushEvent",
                "summary": "Report a push event",
                "tags": ["Push"],
                "parameters": [
                    {"type": "string", "name": "X-User-ID", "in": "header"},
                    {"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/services.PushEvent"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/handlers.PushEventResponse"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "503": {"description": "Shutting down", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {
                "request_id": {"type": "string"},
                "code": {"type": "string", "example": "not_found"},
                "message": {"type": "string"}
            }
        },
        "handlers.TransactionRequest": {
            "type": "object",
            "required": ["date", "merchant"],
            "properties": {
                "date": {"type": "string", "example": "2024-03-04T10:00:00Z"},
                "merchant": {"type": "string", "example": "Bakery"},
                "total": {"type": "string", "example": "12.50"},
                "currency": {"type": "string", "example": "EUR"},
                "items": {"type": "array", "items": {"$ref": "#/definitions/handlers.ItemRequest"}},
                "shared_group_ids": {"type": "array", "items": {"type": "string"}}
            }
        },
        "handlers.ItemRequest": {
            "type": "object",
            "properties": {
                "name": {"type": "string"},
                "amount": {"type": "string"},
                "quantity": {"type": "integer"}
            }
        },
        "handlers.RegisterSubscriptionRequest": {
            "type": "object",
            "required": ["endpoint"],
            "properties": {
                "endpoint": {"type": "string"},
                "keys": {"type": "object", "properties": {"p256dh": {"type": "string"}, "auth": {"type": "string"}}}
            }
        },
        "handlers.UnregisterSubscriptionRequest": {
            "type": "object",
            "required": ["endpoint"],
            "properties": {"endpoint": {"type": "string"}}
        },
        "handlers.SubscriptionResponse": {
            "type": "object",
            "properties": {"id": {"type": "string"}, "endpoint": {"type": "string"}, "moved": {"type": "boolean"}}
        },
        "handlers.VAPIDKeyResponse": {
            "type": "object",
            "properties": {"public_key": {"type": "string"}}
        },
        "handlers.PushEventResponse": {
            "type": "object",
            "properties": {
                "scheduled": {"type": "boolean"},
                "intent": {"$ref": "#/definitions/services.NavigationIntent"}
            }
        },
        "services.NavigationIntent": {
            "type": "object",
            "properties": {"group_id": {"type": "string"}, "transaction_id": {"type": "string"}, "path": {"type": "string"}}
        },
        "services.PushEvent": {
            "type": "object",
            "properties": {
                "type": {"type": "string", "enum": ["received", "clicked"]},
                "data": {"type": "object", "properties": {"groupId": {"type": "string"}, "transactionId": {"type": "string"}, "url": {"type": "string"}}}
            }
        },
        "services.Snapshot": {
            "type": "object",
            "properties": {
                "group_id": {"type": "string"},
                "data": {"type": "array", "items": {"$ref": "#/definitions/domain.CacheEntry"}},
                "is_loading": {"type": "boolean"},
                "partial_errors": {"type": "object", "additionalProperties": {"type": "string"}},
                "warning": {"type": "string"},
                "error": {"type": "string"},
                "source": {"type": "string", "enum": ["memory", "persistent", "network"]},
                "updated_at": {"type": "string"}
            }
        },
        "services.SyncReport": {
            "type": "object",
            "properties": {
                "group_id": {"type": "string"},
                "cold_start": {"type": "boolean"},
                "offline": {"type": "boolean"},
                "no_op": {"type": "boolean"},
                "dirty_members": {"type": "array", "items": {"type": "string"}},
                "stale_members": {"type": "array", "items": {"type": "string"}},
                "fetched": {"type": "integer"},
                "removed": {"type": "integer"},
                "partial_errors": {"type": "object", "additionalProperties": {"type": "string"}},
                "started_at": {"type": "string"},
                "finished_at": {"type": "string"}
            }
        },
        "services.GroupStatus": {
            "type": "object",
            "properties": {
                "group_id": {"type": "string"},
                "state": {"type": "string", "enum": ["idle", "syncing", "error"]},
                "last_sync_at": {"type": "string"},
                "last_error": {"type": "string"},
                "degraded": {"type": "boolean"},
                "cache": {"type": "object", "properties": {"count": {"type": "integer"}, "newest_cached_at": {"type": "integer"}}}
            }
        },
        "domain.CacheEntry": {
            "type": "object",
            "properties": {
                "group_id": {"type": "string"},
                "owner_id": {"type": "string"},
                "transaction_id": {"type": "string"},
                "date": {"type": "integer"},
                "cached_at": {"type": "integer"},
                "transaction": {"$ref": "#/definitions/domain.Transaction"}
            }
        },
        "domain.Transaction": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "owner_id": {"type": "string"},
                "date": {"type": "string"},
                "merchant": {"type": "string"},
                "total": {"type": "string"},
                "currency": {"type": "string"},
                "items": {"type": "array", "items": {"$ref": "#/definitions/handlers.ItemRequest"}},
                "shared_group_ids": {"type": "array", "items": {"type": "string"}},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"},
                "deleted_at": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Group Sync API",
	Description:      "Shared-group transaction sync and cache engine.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
