package domain

import "context"

type clientKey struct{}

type clientInfo struct {
	ip        string
	userAgent string
}

// WithClient attaches the caller's address and user agent for audit entries.
func WithClient(ctx context.Context, ip, userAgent string) context.Context {
	return context.WithValue(ctx, clientKey{}, clientInfo{ip: ip, userAgent: userAgent})
}

func ClientFromContext(ctx context.Context) (ip string, userAgent string) {
	if ctx == nil {
		return "", ""
	}
	info, _ := ctx.Value(clientKey{}).(clientInfo)
	return info.ip, info.userAgent
}
