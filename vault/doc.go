// Package vault stores OAuth credentials obtained by the gateway. Tools
// receive credentials through opaque handles; the vault is the only place
// token material lives.
package vault
