package process

// Confiner rewrites a command line so the child runs under a security
// profile.
type Confiner interface {
	Name() string
	Wrap(program string, args []string) (string, []string)
}

// NoConfiner runs the command unchanged.
type NoConfiner struct{}

func (NoConfiner) Name() string { return "none" }

func (NoConfiner) Wrap(program string, args []string) (string, []string) {
	return program, args
}

// AppArmorConfiner runs the command under an AppArmor profile via aa-exec.
type AppArmorConfiner struct {
	Profile string
	// ExecPath defaults to aa-exec on PATH.
	ExecPath string
}

func (c AppArmorConfiner) Name() string { return "apparmor:" + c.Profile }

func (c AppArmorConfiner) Wrap(program string, args []string) (string, []string) {
	if c.Profile == "" {
		return program, args
	}
	execPath := c.ExecPath
	if execPath == "" {
		execPath = "aa-exec"
	}
	wrapped := make([]string, 0, len(args)+4)
	wrapped = append(wrapped, "-p", c.Profile, "--", program)
	wrapped = append(wrapped, args...)
	return execPath, wrapped
}

// ConfinerFor returns an AppArmor confiner for a non-empty profile and
// NoConfiner otherwise.
func ConfinerFor(profile string) Confiner {
	if profile == "" {
		return NoConfiner{}
	}
	return AppArmorConfiner{Profile: profile}
}
