// Package user provides account identity for FleetGrid Core.
//
// It implements a 2-tier role model (user → admin) with:
//   - Argon2id password hashing (PHC string format)
//   - Failed-login tracking with a fixed lockout window
//   - First-boot admin seeding with a random generated password
//
// The token ledger consults this package for lock status during rotation;
// everything else treats it as a read-mostly identity store.
package user
