// Package gateway brokers OAuth authorization for tools that act on a user's
// behalf. A worker asks for authorization mid-run, the user is sent to the
// provider, and the provider's callback completes the exchange. Credentials
// land in the vault; callers only ever see signed, opaque handles.
package gateway
