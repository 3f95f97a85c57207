// Package bling talks to the Bling accounting API.
//
// It hides the two incompatible API generations behind one Client: the v2
// "legacy" API authenticated by an API key, and the v3 API authenticated by
// an OAuth2 bearer token that TokenManager keeps fresh. Walker pages through
// a ledger kind and Classify unwraps the envelope each generation uses.
//
// Errors are typed so callers can decide what to do with them:
//
//   - *ConfigurationError: credentials or settings are missing
//   - *AuthExchangeError: the token endpoint or API rejected our credentials
//   - *RemoteAPIError: any other non-success HTTP answer
//   - *TransientNetworkError: the request never got an answer
package bling
