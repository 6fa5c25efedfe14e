// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package main

import (
	"fmt"
	"parallelscsi/pkg/api"
	"parallelscsi/pkg/cli"
	"parallelscsi/pkg/simhba"
)

const (
	CommandServe        = "serve"
	CommandList         = "list"
	CommandStats        = "stats"
	CommandAddDevice    = "adddevice"
	CommandRemoveDevice = "removedevice"
	CommandSubmit       = "submit"
	CommandScript       = "script"
	CommandSuspend      = "suspend"
	CommandResume       = "resume"
)

type Client struct {
	commands *cli.CommandList
}

func addSocketParameter(command *cli.Command) *cli.Command {
	return command.AddParameterWithDefault(
		"-s",
		"socket",
		"Path of the daemon api unix socket.",
		"socket path",
		api.DefaultSocketPath,
	)
}

func addTargetParameter(command *cli.Command) *cli.Command {
	return command.AddParameter(
		"-t",
		"target_id",
		"integer bus id of the target device",
		"target id",
		true,
	)
}

func addListCli(commands *cli.CommandList) {
	addSocketParameter(commands.AddCommand(
		CommandList,
		"List target devices with their outstanding and resend queue depth.",
	))
}

func addStatsCli(commands *cli.CommandList) {
	addSocketParameter(commands.AddCommand(
		CommandStats,
		"Show controller identity and parallel task pool usage.",
	))
}

func addAddDeviceCli(commands *cli.CommandList) {
	addTargetParameter(addSocketParameter(commands.AddCommand(
		CommandAddDevice,
		"Create a target device."+
			" Fails if it exists or the id is the initiator.",
	)))
}

func addRemoveDeviceCli(commands *cli.CommandList) {
	addTargetParameter(addSocketParameter(commands.AddCommand(
		CommandRemoveDevice,
		"Destroy a target device."+
			" Doesn't work while it has outstanding tasks.",
	)))
}

func addSubmitCli(commands *cli.CommandList) {
	addTargetParameter(addSocketParameter(commands.AddCommand(
		CommandSubmit,
		"Send one command to a target and wait for its completion.",
	))).AddParameterWithDefault(
		"-l",
		"lun",
		"integer logical unit number",
		"lun",
		"0",
	).AddParameter(
		"-c",
		"cdb",
		"hex encoded command descriptor block, e.g. 28000000000000000100",
		"cdb",
		true,
	).AddParameterWithDefault(
		"-o",
		"data_out",
		"hex encoded data for commands writing to the target",
		"data",
		"",
	).AddParameterWithDefault(
		"-w",
		"wait",
		"task timeout",
		"duration",
		api.DefaultSubmitTimeout.String(),
	)
}

func addScriptCli(commands *cli.CommandList) {
	addTargetParameter(addSocketParameter(commands.AddCommand(
		CommandScript,
		"Make the simulated target misbehave for its next commands.",
	))).AddParameterWithDefault(
		"-r",
		"reject",
		"commands refused as if selection failed",
		"count",
		"0",
	).AddParameterWithDefault(
		"-d",
		"drop",
		"commands accepted and never completed",
		"count",
		"0",
	).AddParameterWithDefault(
		"-q",
		"queue_full",
		"commands completed with TASK SET FULL",
		"count",
		"0",
	).AddParameterWithDefault(
		"-b",
		"busy",
		"commands completed with BUSY",
		"count",
		"0",
	)
}

func addSuspendCli(commands *cli.CommandList) {
	addSocketParameter(commands.AddCommand(CommandSuspend, "Stop accepting new requests."))
}

func addResumeCli(commands *cli.CommandList) {
	addSocketParameter(commands.AddCommand(CommandResume, "Accept new requests again."))
}

func NewClient() Client {
	commands := cli.NewCommandList(
		"parallelscsi",
		"simulated parallel SCSI controller daemon "+
			"and a tool to communicate with it\n",
	)
	addServeCli(commands)
	addListCli(commands)
	addStatsCli(commands)
	addAddDeviceCli(commands)
	addRemoveDeviceCli(commands)
	addSubmitCli(commands)
	addScriptCli(commands)
	addSuspendCli(commands)
	addResumeCli(commands)
	return Client{commands: commands}
}

func requester(command *cli.Command) (api.ClientRequester, error) {
	socketPath, err := command.GetParameter("socket")
	if err != nil {
		return api.ClientRequester{}, err
	}
	return api.NewApiRequester(socketPath), nil
}

func (client Client) PerformList(requester api.ClientRequester) error {
	response, err := requester.PerformList()
	if err != nil {
		return err
	}
	fmt.Println(response.ToCmdlineOutput())
	return nil
}

func (client Client) PerformStats(requester api.ClientRequester) error {
	response, err := requester.PerformStats()
	if err != nil {
		return err
	}
	fmt.Println(response.ToCmdlineOutput())
	return nil
}

func (client Client) PerformAddDevice(requester api.ClientRequester, command *cli.Command) error {
	targetId, err := command.GetIntParameter("target_id")
	if err != nil {
		return err
	}
	return requester.PerformAddDevice(targetId)
}

func (client Client) PerformRemoveDevice(requester api.ClientRequester, command *cli.Command) error {
	targetId, err := command.GetIntParameter("target_id")
	if err != nil {
		return err
	}
	return requester.PerformRemoveDevice(targetId)
}

func (client Client) PerformSubmit(requester api.ClientRequester, command *cli.Command) error {
	targetId, err := command.GetIntParameter("target_id")
	if err != nil {
		return err
	}
	lun, err := command.GetIntParameter("lun")
	if err != nil {
		return err
	}
	if lun < 0 {
		return fmt.Errorf("logical unit number must not be negative")
	}
	cdb, err := command.GetParameter("cdb")
	if err != nil {
		return err
	}
	dataOut, err := command.GetParameter("data_out")
	if err != nil {
		return err
	}
	timeout, err := command.GetDurationParameter("wait")
	if err != nil {
		return err
	}
	response, err := requester.PerformSubmit(api.SubmitRequest{
		TargetId:  targetId,
		Lun:       uint64(lun),
		Cdb:       cdb,
		DataOut:   dataOut,
		TimeoutMs: timeout.Milliseconds(),
	})
	if err != nil {
		return err
	}
	fmt.Println(response.ToCmdlineOutput())
	return nil
}

func (client Client) PerformScript(requester api.ClientRequester, command *cli.Command) error {
	targetId, err := command.GetIntParameter("target_id")
	if err != nil {
		return err
	}
	counts := map[string]*int{}
	script := simhba.Script{}
	counts["reject"] = &script.Reject
	counts["drop"] = &script.Drop
	counts["queue_full"] = &script.QueueFull
	counts["busy"] = &script.Busy
	for name, target := range counts {
		*target, err = command.GetIntParameter(name)
		if err != nil {
			return err
		}
	}
	return requester.PerformSetScript(targetId, script)
}

func (client Client) PerformCommand() error {
	commandName, command := client.commands.GetCurrentCommand()
	if command == nil {
		return fmt.Errorf(
			"command is nil, probably an" +
				" implementation issue of command line arguments parsing",
		)
	}
	if commandName == CommandServe {
		return serve(command)
	}
	requester, err := requester(command)
	if err != nil {
		return err
	}
	switch commandName {
	case CommandList:
		return client.PerformList(requester)
	case CommandStats:
		return client.PerformStats(requester)
	case CommandAddDevice:
		return client.PerformAddDevice(requester, command)
	case CommandRemoveDevice:
		return client.PerformRemoveDevice(requester, command)
	case CommandSubmit:
		return client.PerformSubmit(requester, command)
	case CommandScript:
		return client.PerformScript(requester, command)
	case CommandSuspend:
		return requester.PerformSuspend()
	case CommandResume:
		return requester.PerformResume()
	case "":
		return fmt.Errorf("received empty command type name")
	default:
		return fmt.Errorf("unknown command name %s", commandName)
	}
}
