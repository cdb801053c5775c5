// Package gifter resolves a viewer's gifter tier from their lifetime coin
// spend and the threshold table published by the backend in gifter_levels.
//
// Resolution is a lookup, not a ranking: the highest level whose
// min_coins_spent threshold is at or below the spend wins. Application admins
// always resolve to the top tier so their badges never depend on spend.
package gifter
