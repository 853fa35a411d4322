// Package chat contains the Twitch command surface for raids.
//
// The bot joins TWITCH_CHANNEL and exposes a small command set:
//   - !raid: report the active raid (track, seats left, time left)
//   - !claim: claim a seat in the active raid for the sender
//   - !startraid <raid-id> <track>: attach track metadata to a raid the
//     broadcaster just created on the ledger, before it is pollable
//   - !endraid: dismiss the active raid (broadcaster/mods only)
//
// It also subscribes to the reconciliation engine and announces raids as
// they appear, fill up and disappear. The bot never talks to the ledger
// directly; everything goes through the engine and the claim coordinator.
//
// Credentials: the IRC client requires a bot username and an OAuth token
// with chat:read/chat:edit scopes.
package chat
