package terminal

type commandGroup uint8

const (
	otherCmds commandGroup = iota
	threadCmds
	runCmds
	dataCmds
)

type commandGroupDescription struct {
	description string
	group       commandGroup
}

var commandGroupDescriptions = []commandGroupDescription{
	{"Listing and selecting threads", threadCmds},
	{"Suspending, resuming and terminating", runCmds},
	{"Viewing and changing registers and thread memory", dataCmds},
	{"Other commands", otherCmds},
}
