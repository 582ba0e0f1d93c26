package launch

import (
	"fmt"
	"os"
	"strconv"
)

// Environment variables set for every launched process.
const (
	EnvRank       = "GLMCHECK_RANK"
	EnvWorldSize  = "GLMCHECK_WORLD_SIZE"
	EnvMasterAddr = "GLMCHECK_MASTER_ADDR"
	EnvRunID      = "GLMCHECK_RUN_ID"
)

// Env is a process's view of the launch it belongs to.
type Env struct {
	Rank       int
	WorldSize  int
	MasterAddr string
	RunID      string
}

// Vars returns the environment entries that describe e.
func (e Env) Vars() []string {
	return []string{
		EnvRank + "=" + strconv.Itoa(e.Rank),
		EnvWorldSize + "=" + strconv.Itoa(e.WorldSize),
		EnvMasterAddr + "=" + e.MasterAddr,
		EnvRunID + "=" + e.RunID,
	}
}

// FromEnv reads the launch variables of the current process.
func FromEnv() (Env, error) {
	return parseEnv(os.LookupEnv)
}

func parseEnv(lookup func(string) (string, bool)) (Env, error) {
	get := func(key string) (string, error) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return "", fmt.Errorf("%s is not set; run workers through the launcher", key)
		}
		return v, nil
	}
	atoi := func(key string) (int, error) {
		v, err := get(key)
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return n, nil
	}

	var e Env
	var err error
	if e.Rank, err = atoi(EnvRank); err != nil {
		return Env{}, err
	}
	if e.WorldSize, err = atoi(EnvWorldSize); err != nil {
		return Env{}, err
	}
	if e.MasterAddr, err = get(EnvMasterAddr); err != nil {
		return Env{}, err
	}
	if e.RunID, err = get(EnvRunID); err != nil {
		return Env{}, err
	}
	if e.WorldSize < 1 || e.Rank < 0 || e.Rank >= e.WorldSize {
		return Env{}, fmt.Errorf("rank %d out of range for world size %d", e.Rank, e.WorldSize)
	}
	return e, nil
}
