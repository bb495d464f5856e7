package receiver

// HelpText is the reply to HELP and to any unrecognized command.
const HelpText = `Available commands:
STATUS - printer and job status
PAUSE - pause the current job
RESUME - resume the paused job
CANCEL - cancel the current job
GCODE <line>[; <line>...] - send G-code lines
TOOLTEMP <°C> [tool] - set hotend temperature
BEDTEMP <°C> - set bed temperature
CHAMBERTEMP <°C> - set chamber temperature
CONNECT - connect to the printer
DISCONNECT - disconnect from the printer
SHELL <command> - run a shell command on the host
STOPSERVER - stop OctoPrint
RESTARTSERVER - restart OctoPrint
SHUTDOWN - shut the host down
REBOOT - reboot the host
HELP - show this text`
