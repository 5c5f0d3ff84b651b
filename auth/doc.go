// Package auth implements the authentication handshake a realtime client
// performs after configuring its connection.
//
// The application supplies a Func. The server calls it with the credential
// the client sent and a Resolver carrying three mutually exclusive
// completion handles:
//
//	func(ctx context.Context, req *auth.Request, r *auth.Resolver) {
//	    user, err := lookup(ctx, req.Credential)
//	    if err != nil {
//	        _ = r.Reject(protocol.CodeInvalidCredential, err.Error())
//	        return
//	    }
//	    _ = r.AsAuthenticated(user.ID, user.Roles, map[string]any{"tenant": user.Tenant})
//	}
//
// Exactly one handle may be used. Calling a second one returns
// ErrContractViolation. The Func may complete asynchronously, from any
// goroutine; if it has not decided when the authentication timeout fires the
// attempt resolves as rejected with AUTHORIZE_TIMEOUT. After that point only
// Reject is still accepted (as a no-op), because it agrees with what the
// timeout already decided.
//
// # Bearer tokens
//
// Bearer adapts an Authenticator into a Func. NewFromDiscovery, NewFromJWKS
// and NewHMAC build Authenticators that verify JWTs; configure them with the
// AccessTokenAuthOption helpers (audiences, scopes, algorithms, leeway).
//
// # Errors
//
// ErrUnauthorized signals the token is invalid; Bearer maps it to
// INVALID_CREDENTIAL, which closes the client's transport once the client
// acknowledged the result. ErrInsufficientScope maps to PERMISSION_DENIED.
package auth
