// Package fetch is the network layer behind the cache lifecycle manager. It
// models requests and responses the way a browser fetch does (request mode,
// basic/cors/opaque response types) on top of a shared net/http client, so
// the caching policy can decide what is eligible for storage.
package fetch
