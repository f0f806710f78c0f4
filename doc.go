// Package authcore is the session and access-control subsystem of a
// multi-tenant content platform: credential verification, signed-token
// lifecycle, role/permission resolution, and the two-tier cache they share.
//
// The package is a library, not a server. The HTTP/GraphQL layer, request
// validation, and audit persistence live outside it and are consumed through
// narrow interfaces ([CredentialStore], [Notifier], audit.Sink).
//
// Wire it once at startup:
//
//	stack, err := authcore.New().
//		WithConfig(cfg).
//		WithRedis(rdb).
//		WithCredentialStore(postgres.New(pool)).
//		WithAuditSink(sink).
//		Build()
//
// Stack methods are safe for concurrent use. The relational store is always
// the source of truth; Redis entries are best-effort memos, and a cache
// outage degrades to direct-store verification rather than failing requests.
package authcore
