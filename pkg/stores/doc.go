// Package stores provides the assembly history store. Every synthesis run is
// recorded in SQLite (WAL mode, embedded migrations) with its stacks and the
// policy violations found, so past assemblies can be listed and compared.
package stores
