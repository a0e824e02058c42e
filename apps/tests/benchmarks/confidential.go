// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"text/template"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tokencore/tokencore-go/apps/confidential"
	"github.com/tokencore/tokencore-go/apps/internal/mock"
)

const clientID = "fake_client_id"

type testParams struct {
	// the number of goroutines to use
	Concurrency int

	// the number of tokens in the cache
	// must be divisible by Concurrency
	TokenCount int
}

func fakeClient() (confidential.Client, error) {
	cred, err := confidential.NewCredFromSecret("fake_secret")
	if err != nil {
		return confidential.Client{}, err
	}
	return confidential.New("https://login.example/fake", clientID, cred,
		confidential.WithNetwork(mock.NewAuthority("login.example", "fake", clientID)),
		confidential.WithInstanceDiscovery(false),
	)
}

type execTime struct {
	start time.Time
	end   time.Time
}

// populateTokenCache acquires one client credential token per scope. Each scope is a
// distinct number, which is what makes the tokens unique.
func populateTokenCache(client confidential.Client, params testParams) (execTime, error) {
	if r := params.TokenCount % params.Concurrency; r != 0 {
		return execTime{}, fmt.Errorf("TokenCount must be divisible by Concurrency")
	}
	parts := params.TokenCount / params.Concurrency

	fmt.Printf("Populating token cache with %d tokens...", params.TokenCount)
	start := time.Now()
	var g errgroup.Group
	for n := 0; n < params.Concurrency; n++ {
		chunk := n
		g.Go(func() error {
			for i := parts * chunk; i < parts*(chunk+1); i++ {
				if _, err := client.AcquireTokenByCredential(context.Background(), []string{strconv.Itoa(i)}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return execTime{}, err
	}
	return execTime{start: start, end: time.Now()}, nil
}

// executeTest retrieves every token once per goroutine. Every retrieval must be a cache hit.
func executeTest(client confidential.Client, params testParams) (execTime, error) {
	fmt.Printf("Begin token retrieval.....")
	start := time.Now()
	var g errgroup.Group
	for n := 0; n < params.Concurrency; n++ {
		g.Go(func() error {
			for tk := 0; tk < params.TokenCount; tk++ {
				ar, err := client.AcquireTokenByCredential(context.Background(), []string{strconv.Itoa(tk)})
				if err != nil {
					return err
				}
				if !ar.FromCache {
					return fmt.Errorf("token %d was not served from the cache", tk)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return execTime{}, err
	}
	return execTime{start: start, end: time.Now()}, nil
}

// Stats is used with statsTemplText for reporting purposes
type Stats struct {
	popExec     execTime
	retExec     execTime
	Concurrency int
	Count       int64
}

// PopDur returns the total duration for populating the cache.
func (s *Stats) PopDur() time.Duration {
	return s.popExec.end.Sub(s.popExec.start)
}

// RetDur returns the total duration for retrieving tokens.
func (s *Stats) RetDur() time.Duration {
	return s.retExec.end.Sub(s.retExec.start)
}

// PopAvg returns the mean average of caching a token.
func (s *Stats) PopAvg() time.Duration {
	return s.PopDur() / time.Duration(s.Count)
}

// RetAvg returns the mean average of retrieving a token.
func (s *Stats) RetAvg() time.Duration {
	return s.RetDur() / time.Duration(s.Count*int64(s.Concurrency))
}

var statsTemplText = `
Test Results:
[{{.Concurrency}} goroutines][{{.Count}} tokens] [population: total {{.PopDur}}, avg {{.PopAvg}}] [retrieval: total {{.RetDur}}, avg {{.RetAvg}}]
==========================================================================
`
var statsTempl = template.Must(template.New("stats").Parse(statsTemplText))

func main() {
	tests := []testParams{
		{
			Concurrency: runtime.NumCPU(),
			TokenCount:  runtime.NumCPU() * 10,
		},
		{
			Concurrency: runtime.NumCPU(),
			TokenCount:  runtime.NumCPU() * 100,
		},
		{
			Concurrency: runtime.NumCPU(),
			TokenCount:  runtime.NumCPU() * 500,
		},
	}

	for _, t := range tests {
		client, err := fakeClient()
		if err != nil {
			panic(err)
		}
		fmt.Printf("Test Params: %#v\n", t)
		ptime, err := populateTokenCache(client, t)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		ttime, err := executeTest(client, t)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if err := statsTempl.Execute(os.Stdout, &Stats{
			popExec:     ptime,
			retExec:     ttime,
			Concurrency: t.Concurrency,
			Count:       int64(t.TokenCount),
		}); err != nil {
			panic(err)
		}
	}
}
