package asynctest

import (
	"gopkg.in/inconshreveable/log15.v2"
)

// Env is the process-wide context of the framework. It is created once at
// startup and passed explicitly to every entry point. Remote sessions merge
// the client's settings into it during the handshake.
type Env struct {
	Settings *Settings
	Registry *Registry
	Log      log15.Logger
}

// NewEnv creates an environment with the built-in parameter serializers.
func NewEnv(settings map[string]string) *Env {
	env := &Env{
		Settings: NewSettings(settings),
		Registry: NewRegistry(),
		Log:      log15.Root(),
	}
	Provide(env.Registry, NewSerializers())
	return env
}

// Serializers returns the parameter serializer table.
func (env *Env) Serializers() *Serializers {
	return MustLookup[*Serializers](env.Registry)
}
