// Package console provides an interactive operator shell for a relay
// module session.
//
// Commands are read with line editing and history:
//
//	ethrelay> status
//	ethrelay> on 1
//	ethrelay> pulse 2 500ms
//	ethrelay> scan
//	ethrelay> history command
//
// Parsing is separate from execution so both can be tested without a
// terminal.
package console
