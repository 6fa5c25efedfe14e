// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package cli

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type ErrHelpPageRequested struct {
	helpMessage string
}

func (err ErrHelpPageRequested) Error() string {
	return err.helpMessage
}

type ErrCommandNotFound struct {
	commandName string
}

func (err ErrCommandNotFound) Error() string {
	return fmt.Sprintf("unknown command '%s'", err.commandName)
}

type ErrInvalidOption struct {
	option string
}

func (err ErrInvalidOption) Error() string {
	return fmt.Sprintf("invalid option -- '%s'", err.option)
}

func isHelpFlag(argument string) bool {
	return argument == "--help" || argument == "-h" || argument == "help"
}

type parameter struct {
	shortFlag    string
	name         string
	description  string
	valueName    string
	required     bool
	defaultValue *string

	value string
	set   bool
}

// matches reports whether argument names the parameter. The value is either
// glued with "=" or follows as the next argument.
func (param *parameter) matches(argument string) (value string, glued bool, ok bool) {
	flag, value, glued := strings.Cut(argument, "=")
	if flag != param.shortFlag && flag != "--"+param.name {
		return "", false, false
	}
	return value, glued, true
}

func (param *parameter) help() string {
	line := fmt.Sprintf("    %s/--%s - %s", param.shortFlag, param.name, param.description)
	if param.defaultValue != nil {
		line += fmt.Sprintf(" (default '%s')", *param.defaultValue)
	}
	return line
}

func (param *parameter) usage() string {
	if param.required {
		return fmt.Sprintf("%s|--%s %s", param.shortFlag, param.name, param.valueName)
	}
	return fmt.Sprintf("[%s|--%s %s]", param.shortFlag, param.name, param.valueName)
}

// Command holds the parameters of one subcommand in declaration order.
type Command struct {
	name        string
	description string
	parameters  []*parameter
}

func (command *Command) parameter(name string) *parameter {
	for _, param := range command.parameters {
		if param.name == name {
			return param
		}
	}
	return nil
}

func (command *Command) usage() string {
	parts := []string{command.name}
	for _, param := range command.parameters {
		parts = append(parts, param.usage())
	}
	return strings.Join(parts, " ")
}

func (command *Command) Help() string {
	if len(command.parameters) == 0 {
		return command.description + "\n"
	}
	lines := []string{command.description, "  Options:"}
	for _, param := range command.parameters {
		lines = append(lines, param.help())
	}
	return strings.Join(lines, "\n")
}

func (command *Command) ParseArgs(args []string) error {
	if len(args) > 0 && isHelpFlag(args[0]) {
		return &ErrHelpPageRequested{helpMessage: command.Help()}
	}
	for index := 0; index < len(args); index += 1 {
		var found *parameter
		var value string
		var glued bool
		for _, param := range command.parameters {
			var ok bool
			if value, glued, ok = param.matches(args[index]); ok && !param.set {
				found = param
				break
			}
		}
		if found == nil {
			return &ErrInvalidOption{option: args[index]}
		}
		if !glued {
			if index+1 == len(args) {
				return fmt.Errorf("option %s needs a %s", args[index], found.valueName)
			}
			index += 1
			value = args[index]
		}
		found.value = value
		found.set = true
	}
	var missing []string
	for _, param := range command.parameters {
		if param.required && !param.set {
			missing = append(missing, "Missing parameter:\n"+param.help())
		}
	}
	if len(missing) > 0 {
		return errors.New(strings.Join(missing, "\n"))
	}
	return nil
}

func (command *Command) AddParameter(
	short string,
	name string,
	description string,
	valueName string,
	required bool,
) *Command {
	command.parameters = append(command.parameters, &parameter{
		shortFlag:   short,
		name:        name,
		description: description,
		valueName:   valueName,
		required:    required,
	})
	return command
}

// AddParameterWithDefault adds an optional parameter whose getters return
// defaultValue when it is not given on the command line.
func (command *Command) AddParameterWithDefault(
	short string,
	name string,
	description string,
	valueName string,
	defaultValue string,
) *Command {
	command.AddParameter(short, name, description, valueName, false)
	command.parameters[len(command.parameters)-1].defaultValue = &defaultValue
	return command
}

func (command *Command) GetParameter(parameterName string) (string, error) {
	param := command.parameter(parameterName)
	switch {
	case param == nil:
		return "", fmt.Errorf("missing parameter %s", parameterName)
	case param.set:
		return param.value, nil
	case param.defaultValue != nil:
		return *param.defaultValue, nil
	}
	return "", fmt.Errorf("missing parameter %s", parameterName)
}

// IsSet reports whether the parameter was given on the command line.
func (command *Command) IsSet(parameterName string) bool {
	param := command.parameter(parameterName)
	return param != nil && param.set
}

func getTyped[T any](command *Command, parameterName, expected string, parse func(string) (T, error)) (T, error) {
	var zero T
	value, err := command.GetParameter(parameterName)
	if err != nil {
		return zero, err
	}
	result, err := parse(value)
	if err != nil {
		return zero, fmt.Errorf("parameter %s must be %s, '%s' received", parameterName, expected, value)
	}
	return result, nil
}

func (command *Command) GetIntParameter(parameterName string) (int, error) {
	return getTyped(command, parameterName, "int", strconv.Atoi)
}

func (command *Command) GetDurationParameter(parameterName string) (time.Duration, error) {
	return getTyped(command, parameterName, "a duration like 10ms", time.ParseDuration)
}

func (command *Command) GetBoolParameter(parameterName string) (bool, error) {
	return getTyped(command, parameterName, "true or false", strconv.ParseBool)
}

type CommandList struct {
	name        string
	description string
	commands    map[string]*Command
	// set by Parse
	current string
}

func NewCommandList(name, description string) *CommandList {
	return &CommandList{
		name:        name,
		description: description,
		commands:    make(map[string]*Command),
	}
}

func (cmdList *CommandList) sortedNames() []string {
	names := make([]string, 0, len(cmdList.commands))
	for name := range cmdList.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (cmdList *CommandList) Help() string {
	var usages, descriptions []string
	for _, name := range cmdList.sortedNames() {
		command := cmdList.commands[name]
		usages = append(usages, cmdList.name+" "+command.usage())
		descriptions = append(descriptions, fmt.Sprintf("* '%s': %s", name, command.Help()))
	}
	return fmt.Sprintf("%s - %s", cmdList.name, cmdList.description) +
		"\nUsage:\n" + strings.Join(usages, "\n") +
		"\n\nSupported commands:\n" + strings.Join(descriptions, "\n\n")
}

func (cmdList *CommandList) AddCommand(name, description string) *Command {
	command := &Command{name: name, description: description}
	cmdList.commands[name] = command
	return command
}

func (cmdList *CommandList) Parse(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("wrong command list received")
	}
	command, ok := cmdList.commands[args[1]]
	if !ok {
		if isHelpFlag(args[1]) {
			return &ErrHelpPageRequested{helpMessage: cmdList.Help()}
		}
		return &ErrCommandNotFound{commandName: args[1]}
	}
	if err := command.ParseArgs(args[2:]); err != nil {
		return err
	}
	cmdList.current = args[1]
	return nil
}

func (cmdList *CommandList) GetCurrentCommand() (string, *Command) {
	command, ok := cmdList.commands[cmdList.current]
	if !ok {
		return "", nil
	}
	return cmdList.current, command
}
