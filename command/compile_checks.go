package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[CreateMessageMessage] = (*CreateMessageCommand)(nil)
	_ gocmd.Commander[PatchMessageMessage]  = (*PatchMessageCommand)(nil)
)
