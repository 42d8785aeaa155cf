package ledger

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"
)

const luaPolicyFunc = "approval_delay"

const luaCallTimeout = time.Second

// maxLuaDelay caps what a script can ask for.
const maxLuaDelay = 24 * time.Hour

// LuaPolicy asks a script how long to wait before approving a request. The
// script defines
//
//	function approval_delay(req) ... end
//
// where req has mentor_id and created_at (unix seconds). Returning a number
// schedules approval after that many seconds; nil or false leaves the
// request for an explicit Accept. Script errors and non-finite numbers fall
// back to manual; delays are capped at maxLuaDelay.
type LuaPolicy struct {
	mu  sync.Mutex
	L   *lua.LState
	log zerolog.Logger
}

func LoadLuaPolicy(path string, log zerolog.Logger) (*LuaPolicy, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewLuaPolicy(string(src), log)
}

func NewLuaPolicy(source string, log zerolog.Logger) (*LuaPolicy, error) {
	L := newPolicyVM()
	if err := L.DoString(source); err != nil {
		L.Close()
		return nil, fmt.Errorf("load approval script: %w", err)
	}
	if _, ok := L.GetGlobal(luaPolicyFunc).(*lua.LFunction); !ok {
		L.Close()
		return nil, fmt.Errorf("approval script must define %s(req)", luaPolicyFunc)
	}
	return &LuaPolicy{L: L, log: log}, nil
}

func (p *LuaPolicy) Delay(req MentorRequest) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), luaCallTimeout)
	defer cancel()
	p.L.SetContext(ctx)
	defer p.L.RemoveContext()

	arg := p.L.NewTable()
	arg.RawSetString("mentor_id", lua.LString(req.MentorID))
	arg.RawSetString("created_at", lua.LNumber(req.CreatedAt.Unix()))

	err := p.L.CallByParam(lua.P{
		Fn:      p.L.GetGlobal(luaPolicyFunc),
		NRet:    1,
		Protect: true,
	}, arg)
	if err != nil {
		p.log.Warn().Err(err).Str("mentor", req.MentorID).Msg("approval script failed")
		return 0, false
	}
	ret := p.L.Get(-1)
	p.L.Pop(1)

	n, ok := ret.(lua.LNumber)
	if !ok {
		return 0, false
	}
	secs := float64(n)
	switch {
	case math.IsNaN(secs) || math.IsInf(secs, 0):
		p.log.Warn().Str("mentor", req.MentorID).Msg("approval script returned a non-finite delay")
		return 0, false
	case secs <= 0:
		return 0, true
	case secs >= maxLuaDelay.Seconds():
		return maxLuaDelay, true
	}
	return time.Duration(secs * float64(time.Second)), true
}

func (p *LuaPolicy) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.L.Close()
}

// newPolicyVM opens only the pure libraries; scripts get no io, os or module
// loading.
func newPolicyVM() *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       64,
		RegistrySize:        512,
		MinimizeStackMemory: true,
	})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range []string{"dofile", "loadfile", "require", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}
