// Package db provides the embedded database schema.
package db

import _ "embed"

// Schema contains the DDL for the products, purchases and purchase_details
// tables. Every statement is idempotent so it can run on each start.
//
//go:embed migrations/001_schema.sql
var Schema string
