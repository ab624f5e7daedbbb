// Package simulation provides simulated collaborators for deterministic
// tests of the transformation pipeline: a manually advanced clock, a
// surface that captures rendered frames, an executor whose tasks run only
// when the test says so, and a scripted stage that tracks texture
// ownership.
//
// These types are test doubles. They perform no real rendering or timing.
package simulation
