// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

// Package validation checks API request bodies with go-playground/validator v10.
//
// A single validator is built on first use and shared; it caches struct
// metadata, so request types are only reflected once. Errors name fields by
// their json tag and convert to the API's VALIDATION_ERROR body:
//
//	{"code":"VALIDATION_ERROR","message":"kind must be one of: invoice payment journal",
//	 "details":{"field":"kind","tag":"oneof"}}
//
// Besides the built-in tags, the validator knows:
//
//	identifier   tenant, account and entity ids ([A-Za-z0-9][A-Za-z0-9._:-]{0,127})
//
// Request types carry their rules as struct tags:
//
//	type OutboundEntity struct {
//	    TenantID string `json:"tenant_id" validate:"required,identifier"`
//	    Kind     string `json:"kind" validate:"required,oneof=invoice payment journal"`
//	}
package validation
