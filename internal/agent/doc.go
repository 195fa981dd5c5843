// Package agent implements the base runtime shared by every long-lived agent:
// identity and capability metadata, the initialize / execute / shutdown
// lifecycle, typed task dispatch through a handler table, and write-through
// persistence of the concrete agent's state into a state.Store.
package agent
