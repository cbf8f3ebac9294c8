// Package auth guards the server's HTTP and gRPC surfaces with a shared API
// key.
//
// NewGuard(mode, header, key) builds a Guard. When mode != "apikey" or
// key == "" every call passes through, which suits local development.
// Otherwise Middleware answers 401 and the gRPC interceptors return
// codes.Unauthenticated for a missing or wrong key. Keys are compared in
// constant time.
package auth
