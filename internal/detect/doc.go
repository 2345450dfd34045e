// Package detect evaluates whether a ticker named in fresh news is
// exhibiting a price and volume shock in its in-progress minute bar, and
// emits trade signals when it is.
package detect
