package arbor

// Sandbox wraps a command so worker shell execution runs inside an
// isolation boundary. Implementations return the executable and argument
// list to actually run.
type Sandbox interface {
	// Wrap takes the requested command, its arguments, and the working
	// directory, and returns the wrapped invocation.
	Wrap(cmd string, args []string, cwd string) (string, []string)
}

// HostSandbox runs commands directly on the host with no isolation.
// Suitable for trusted single-tenant deployments and tests.
type HostSandbox struct{}

// Wrap returns the command unchanged.
func (HostSandbox) Wrap(cmd string, args []string, _ string) (string, []string) {
	return cmd, args
}
