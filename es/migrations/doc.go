// Package migrations provides SQL migration generation for the commit store.
//
// To generate migrations, use the migrate-gen command:
//
//	go run github.com/getpup/pupstream/cmd/migrate-gen --adapter postgres --output migrations
//
// Or add a go generate directive to your code:
//
//	//go:generate go run github.com/getpup/pupstream/cmd/migrate-gen --output ../../migrations
//
// Then run:
//
//	go generate ./...
//
// The pupstream CLI applies the same scripts directly with "pupstream migrate".
// Store adapters expose them through InitializeIndexes.
package migrations
