// Package testinfra starts throwaway Postgres and Redis containers. Its
// helpers compile only with the integration build tag:
//
//	go test -tags integration ./...
package testinfra
