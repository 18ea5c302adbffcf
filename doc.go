// Package rollback is a peer-to-peer rollback netcode engine for
// lock-step deterministic simulations.
//
// Every participant runs the full simulation. Local inputs are applied
// after a small delay and broadcast to all peers; remote inputs that
// have not arrived yet are predicted by repeating the last known value.
// When an authoritative input later contradicts a prediction, the
// engine rewinds to a saved snapshot and re-simulates forward with the
// corrected inputs. All of that is expressed as a request stream the
// host fulfills: save this frame into a cell, load that cell back,
// advance one frame with these inputs.
//
// The engine is single-threaded and cooperative. It owns no sockets and
// no game state; the host supplies a non-blocking datagram Endpoint and
// services the request stream returned by AdvanceFrame. Three session
// variants share the same core: P2PSession for playing, SpectatorSession
// for watching a match through a host peer, and SyncTestSession for
// catching non-determinism in the simulation before it desyncs a real
// match.
package rollback
