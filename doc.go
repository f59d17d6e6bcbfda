// Package provider is an embeddable OAuth2 authorization server.
//
// It implements the authorization-code flow with user consent, plus the
// refresh_token, password, email_and_password, and client_credentials
// grants, issuing opaque bearer tokens with a bitmask scope model.
//
// Basic usage:
//
//	p, err := provider.New(provider.Config{Users: directory})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer p.Close()
//	http.ListenAndServe(":8080", p.Handler())
//
// The provider mounts four endpoints under its base path: the
// authorization entry point, the consent endpoint, the internal redirect
// endpoint, and the token endpoint. Resource servers validate tokens with
// VerifyRequest or the RequireScope middleware.
package provider
