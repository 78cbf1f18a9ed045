// Package terminal implements the interactive command-line front end.
//
// It reads user prompts in a loop, forwards them to the agent, and renders
// assistant messages, tool activity, and warnings to the terminal. In
// prompt mode it asks for a y/n confirmation before each tool call; the
// verbosity level on the agent controls how much tool detail is printed.
//
//	term := terminal.New(ag)
//	err := term.Run(ctx, initialPrompt)
//
// The loop exits on /quit, /exit, or end of input.
package terminal
