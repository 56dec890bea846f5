// Package gateway adapts a model.Client into composable unary and stream
// handlers and back again. A Server fronts a provider adapter with
// middleware chains; a RemoteClient turns caller-supplied handler
// functions into the model.Client the planner, reasoner and executor
// consume. Pairing the two keeps the core transport-agnostic: any RPC
// layer that can carry the normalized request and chunk types fits
// between them.
package gateway
