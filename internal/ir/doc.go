// Package ir provides the value and identity types shared by every layer of the
// mirror.
//
// This package contains type definitions only. All other internal packages
// import ir; ir imports nothing internal. This keeps the value union the
// foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Field values are a sealed union (Null, String, Int, Bool, Array, Object)
//   - NO float types anywhere: decoded numbers must be integral
//   - Snowflake identifiers are carried as Int and typed as snowflake.ID at the edges
//   - All JSON tags use snake_case
package ir
