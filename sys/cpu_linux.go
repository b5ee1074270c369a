// Package sys provides methods to read system information
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package sys

import (
	"bufio"
	"errors"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/lavenderdata/lavender/cmn/nlog"
)

const (
	rootProcess    = "/proc/1/cgroup"
	contCPULimit   = "/sys/fs/cgroup/cpu/cpu.cfs_quota_us"
	contCPUPeriod  = "/sys/fs/cgroup/cpu/cpu.cfs_period_us"
	hostLoadAvgPath = "/proc/loadavg"
)

func readLines(path string, fn func(line string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if err := fn(scanner.Text()); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
	return scanner.Err()
}

func readOneLine(path string) (line string, err error) {
	err = readLines(path, func(l string) error {
		line = l
		return io.EOF
	})
	return line, err
}

func readOneInt64(path string) (int64, error) {
	line, err := readOneLine(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(line), 10, 64)
}

func readOneUint64(path string) (uint64, error) {
	line, err := readOneLine(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(line), 10, 64)
}

// isContainerized returns true if the application is running
// inside a container(docker/lxc/k8s)
//
// How to detect being inside a container:
// https://stackoverflow.com/questions/20010199/how-to-determine-if-a-process-runs-inside-lxc-docker
func isContainerized() (yes bool) {
	err := readLines(rootProcess, func(line string) error {
		if strings.Contains(line, "docker") || strings.Contains(line, "lxc") || strings.Contains(line, "kube") {
			yes = true
			return io.EOF
		}
		return nil
	})
	if err != nil {
		nlog.Errorf("Failed to read system info: %v", err)
	}
	return
}

// Returns an approximate number of CPUs allocated for the container.
// By default, container runs without limits and its cfs_quota_us is
// negative (-1). When a container starts with limited CPU usage its quota
// is between 0.01 CPU and the number of CPUs on the host machine.
// The function rounds up the calculated number.
func containerNumCPU() (int, error) {
	var quota, period uint64

	quotaInt, err := readOneInt64(contCPULimit)
	if err != nil {
		return 0, err
	}
	// negative quota means 'unlimited' - all hardware CPUs are used
	if quotaInt <= 0 {
		return runtime.NumCPU(), nil
	}
	quota = uint64(quotaInt)
	period, err = readOneUint64(contCPUPeriod)
	if err != nil {
		return 0, err
	}

	if period == 0 {
		return 0, errors.New("failed to read container CPU info")
	}

	approx := (quota + period - 1) / period
	if approx < 1 {
		approx = 1
	}
	return int(approx), nil
}

// LoadAverage returns the system load average
func LoadAverage() (avg LoadAvg, err error) {
	avg = LoadAvg{}

	line, err := readOneLine(hostLoadAvgPath)
	if err != nil {
		return avg, err
	}

	fields := strings.Fields(line)
	avg.One, err = strconv.ParseFloat(fields[0], 64)
	if err == nil {
		avg.Five, err = strconv.ParseFloat(fields[1], 64)
	}
	if err == nil {
		avg.Fifteen, err = strconv.ParseFloat(fields[2], 64)
	}

	return avg, err
}
