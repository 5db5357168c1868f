package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Laboratory Permit API",
        "description": "Hazard authorization and dispensation record keeper",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Auth", "description": "Authentication"},
        {"name": "Authorizations", "description": "Chemical-use permit lifecycle"},
        {"name": "Dispensations", "description": "Dispensation lifecycle"},
        {"name": "Units", "description": "Organizational unit tree"},
        {"name": "Cron", "description": "Trusted batch triggers"}
    ],
    "paths": {
        "/auth/login": {
            "post": {
                "tags": ["Auth"],
                "summary": "Authenticate and issue tokens",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/LoginRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "401": {"description": "Invalid credentials"}
                }
            }
        },
        "/auth/refresh": {
            "post": {
                "tags": ["Auth"],
                "summary": "Rotate a refresh token",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/RefreshRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/authorizations": {
            "post": {
                "tags": ["Authorizations"],
                "summary": "Create authorization",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateAuthorizationRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Duplicate code"}
                }
            },
            "put": {
                "tags": ["Authorizations"],
                "summary": "Update authorization",
                "description": "The request body must echo the reference returned by the last read; a stale reference is rejected with 412.",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/UpdateAuthorizationRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "412": {"description": "Stale reference"}
                }
            },
            "delete": {
                "tags": ["Authorizations"],
                "summary": "Delete authorization",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/DeleteRequest"}}
                ],
                "responses": {
                    "204": {"description": "Deleted"},
                    "412": {"description": "Stale reference"}
                }
            }
        },
        "/authorizations/expiring": {
            "get": {
                "tags": ["Authorizations"],
                "summary": "Expiring authorizations feed",
                "parameters": [
                    {"name": "days", "in": "query", "type": "integer", "description": "Warning window in days, 0 for already expired"},
                    {"name": "format", "in": "query", "type": "string", "enum": ["json", "csv"]}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/authorizations/certificate": {
            "get": {
                "tags": ["Authorizations"],
                "summary": "Permit certificate PDF",
                "produces": ["application/pdf"],
                "parameters": [
                    {"name": "salt", "in": "query", "type": "string", "required": true},
                    {"name": "eph_id", "in": "query", "type": "string", "required": true}
                ],
                "responses": {
                    "200": {"description": "PDF document"},
                    "412": {"description": "Stale reference"}
                }
            }
        },
        "/dispensations": {
            "post": {
                "tags": ["Dispensations"],
                "summary": "Create dispensation",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateDispensationRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "put": {
                "tags": ["Dispensations"],
                "summary": "Update dispensation",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/UpdateDispensationRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "412": {"description": "Stale reference"}
                }
            },
            "delete": {
                "tags": ["Dispensations"],
                "summary": "Delete dispensation",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/DeleteRequest"}}
                ],
                "responses": {
                    "204": {"description": "Deleted"},
                    "412": {"description": "Stale reference"}
                }
            }
        },
        "/dispensations/expiring": {
            "get": {
                "tags": ["Dispensations"],
                "summary": "Expiring dispensations feed",
                "parameters": [
                    {"name": "days", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/units": {
            "get": {
                "tags": ["Units"],
                "summary": "List units",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Units"],
                "summary": "Create unit",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateUnitRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/units/{id}": {
            "delete": {
                "tags": ["Units"],
                "summary": "Delete unit subtree",
                "parameters": [
                    {"name": "id", "in": "path", "type": "integer", "required": true}
                ],
                "responses": {
                    "204": {"description": "Deleted"},
                    "409": {"description": "Unit still owns authorizations"}
                }
            }
        },
        "/cron/expire": {
            "post": {
                "tags": ["Cron"],
                "summary": "Run the expire-and-notify batch",
                "responses": {
                    "200": {"description": "Batch report", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "Reference": {
            "type": "object",
            "properties": {
                "salt": {"type": "string"},
                "eph_id": {"type": "string"}
            }
        },
        "LoginRequest": {
            "type": "object",
            "properties": {
                "email": {"type": "string"},
                "password": {"type": "string"}
            }
        },
        "RefreshRequest": {
            "type": "object",
            "properties": {
                "refresh_token": {"type": "string"}
            }
        },
        "CreateAuthorizationRequest": {
            "type": "object",
            "properties": {
                "unit_id": {"type": "integer"},
                "authorization": {"type": "string"},
                "expiration_date": {"type": "string", "format": "date-time"},
                "authority": {"type": "string"},
                "cas": {"type": "array", "items": {"type": "string"}},
                "holders": {"type": "array", "items": {"type": "string"}},
                "rooms": {"type": "array", "items": {"type": "string"}}
            }
        },
        "UpdateAuthorizationRequest": {
            "type": "object",
            "properties": {
                "reference": {"$ref": "#/definitions/Reference"},
                "expiration_date": {"type": "string", "format": "date-time"},
                "status": {"type": "string"},
                "renewals": {"type": "integer"},
                "authority": {"type": "string"},
                "holders": {"type": "array", "items": {"$ref": "#/definitions/RelationChange"}},
                "rooms": {"type": "array", "items": {"$ref": "#/definitions/RelationChange"}},
                "cas": {"type": "array", "items": {"$ref": "#/definitions/RelationChange"}},
                "sources": {"type": "array", "items": {"$ref": "#/definitions/RelationChange"}}
            }
        },
        "CreateDispensationRequest": {
            "type": "object",
            "properties": {
                "status": {"type": "string", "enum": ["DRAFT", "PENDING", "ACTIVE"]},
                "subject_id": {"type": "integer"},
                "other_subject": {"type": "string"},
                "requires": {"type": "string"},
                "comment": {"type": "string"},
                "date_start": {"type": "string", "format": "date-time"},
                "date_end": {"type": "string", "format": "date-time"},
                "holders": {"type": "array", "items": {"type": "string"}},
                "rooms": {"type": "array", "items": {"type": "string"}},
                "units": {"type": "array", "items": {"type": "string"}},
                "tickets": {"type": "array", "items": {"type": "string"}}
            }
        },
        "UpdateDispensationRequest": {
            "type": "object",
            "properties": {
                "reference": {"$ref": "#/definitions/Reference"},
                "status": {"type": "string"},
                "date_start": {"type": "string", "format": "date-time"},
                "date_end": {"type": "string", "format": "date-time"},
                "renewals": {"type": "integer"},
                "holders": {"type": "array", "items": {"$ref": "#/definitions/RelationChange"}},
                "rooms": {"type": "array", "items": {"$ref": "#/definitions/RelationChange"}},
                "units": {"type": "array", "items": {"$ref": "#/definitions/RelationChange"}},
                "tickets": {"type": "array", "items": {"$ref": "#/definitions/RelationChange"}}
            }
        },
        "DeleteRequest": {
            "type": "object",
            "properties": {
                "reference": {"$ref": "#/definitions/Reference"}
            }
        },
        "CreateUnitRequest": {
            "type": "object",
            "properties": {
                "name": {"type": "string"},
                "parent_id": {"type": "integer"}
            }
        },
        "RelationChange": {
            "type": "object",
            "properties": {
                "action": {"type": "string", "enum": ["ADD", "REMOVE"]},
                "key": {"type": "string"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
