// Package progress extracts structured progress from the text protocols of
// the supervised tools: tar checkpoint markers, tar long-format listings and
// rsync --info=progress2 lines.
//
// All parsers are pure and tolerant: a line that does not match yields
// ok == false, never an error.
package progress
