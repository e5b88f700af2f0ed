// Package parser holds the compiled regexes that recognize an interactive
// prompt waiting on a captured pane: a shell returning to its prompt, a
// yes/no confirmation, or an open-ended question. promptrule.defaultMatchers
// wires these in as the bundled rule set used before any rule file is loaded.
package parser

import "regexp"

var (
	PromptConfirmPattern  = regexp.MustCompile(`(?i)\[(Y/n|y/N|yes/no)\]|\(y/n\)|\(Y/N\)`)
	PromptQuestionPattern = regexp.MustCompile(`(?i)(Continue\?|Proceed\?|Are you sure\?|Do you want to|Would you like to|Press Enter to continue)`)
	PromptShellPattern    = regexp.MustCompile(`[$>%‚ùØ#]\s*$`)
)
