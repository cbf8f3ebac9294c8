package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ModeAPIKey enables key checks; any other mode lets every call through.
const ModeAPIKey = "apikey"

// Guard validates the API key presented by HTTP and gRPC clients.
type Guard struct {
	enabled bool
	header  string
	key     []byte
}

// NewGuard returns a Guard reading the key from header. When mode is not
// "apikey" or key is empty the guard allows everything.
func NewGuard(mode, header, key string) *Guard {
	return &Guard{
		enabled: mode == ModeAPIKey && key != "",
		header:  strings.ToLower(header),
		key:     []byte(key),
	}
}

// Enabled reports whether keys are being checked.
func (g *Guard) Enabled() bool { return g.enabled }

// Check reports whether presented matches the configured key.
func (g *Guard) Check(presented string) bool {
	if !g.enabled {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(presented), g.key) == 1
}

// Middleware rejects HTTP requests without a valid key with 401. The key is
// read from the configured header, falling back to a Bearer token.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.enabled {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get(g.header)
		if key == "" {
			key, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if key == "" || !g.Check(key) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"invalid api key"}`)) //nolint:errcheck
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UnaryInterceptor enforces the key on unary gRPC calls.
func (g *Guard) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if err := g.checkMetadata(ctx); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor enforces the key on streaming gRPC calls such as the
// health Watch method.
func (g *Guard) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := g.checkMetadata(ss.Context()); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func (g *Guard) checkMetadata(ctx context.Context) error {
	if !g.enabled {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	vals := md.Get(g.header)
	if len(vals) == 0 || !g.Check(vals[0]) {
		return status.Error(codes.Unauthenticated, "invalid api key")
	}
	return nil
}
