// Package dedupe remembers recently seen voice message ids so retransmits
// within a window are dropped instead of being forwarded twice.
package dedupe
