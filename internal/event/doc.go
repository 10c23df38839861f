// Package event defines what travels between clients, gateways and the
// fanout broker: event names, target selectors, broker envelopes, client
// operations with their acknowledgements, and the websocket frame that
// carries all of them.
package event
