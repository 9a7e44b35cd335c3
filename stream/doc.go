// Package stream exposes task ledgers as ordered, resumable subscriptions
// and as a Server-Sent Events endpoint.
package stream
