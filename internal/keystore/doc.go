// Package keystore validates API keys and counts their requests.
//
// RedisStore keeps key metadata in a hash per key and counts requests in a
// fixed window; both happen in a single Lua script so concurrent gateways
// see one consistent count. MemoryStore serves keys from the configuration
// file and is meant for single-instance deployments. MockStore is used by
// tests of code that depends on a KeyStore.
package keystore
