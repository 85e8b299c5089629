package main

import (
	"github.com/spf13/cobra"

	"pkt.systems/chaosdeck/schema"
)

// formFlags override cycle settings for a single run. Only flags set on the command line apply.
type formFlags struct {
	model           string
	projectName     string
	temperature     float64
	seed            int
	maxSteadyStates int
	maxRetries      int
	cleanBefore     bool
	cleanAfter      bool
	newDeployment   bool
}

func (f *formFlags) register(cmd *cobra.Command) {
	defaults := schema.DefaultFormData()
	fs := cmd.Flags()
	fs.StringVar(&f.model, "model", string(defaults.Model), "model used by the agents")
	fs.StringVar(&f.projectName, "project-name", defaults.ProjectName, "project name on the backend")
	fs.Float64Var(&f.temperature, "temperature", defaults.Temperature, "model temperature")
	fs.IntVar(&f.seed, "seed", defaults.Seed, "model seed")
	fs.IntVar(&f.maxSteadyStates, "max-steady-states", defaults.MaxSteadyStates, "maximum number of steady states")
	fs.IntVar(&f.maxRetries, "max-retries", defaults.MaxRetries, "maximum agent retries")
	fs.BoolVar(&f.cleanBefore, "clean-before", defaults.CleanBefore, "clean the cluster before the run")
	fs.BoolVar(&f.cleanAfter, "clean-after", defaults.CleanAfter, "clean the cluster after the run")
	fs.BoolVar(&f.newDeployment, "new-deployment", defaults.NewDeployment, "deploy the project as new")
}

func (f *formFlags) apply(cmd *cobra.Command, update func(func(*schema.FormData)) schema.FormData) {
	fs := cmd.Flags()
	update(func(form *schema.FormData) {
		if fs.Changed("model") {
			form.Model = schema.ModelID(f.model)
		}
		if fs.Changed("project-name") {
			form.ProjectName = f.projectName
		}
		if fs.Changed("temperature") {
			form.Temperature = f.temperature
		}
		if fs.Changed("seed") {
			form.Seed = f.seed
		}
		if fs.Changed("max-steady-states") {
			form.MaxSteadyStates = f.maxSteadyStates
		}
		if fs.Changed("max-retries") {
			form.MaxRetries = f.maxRetries
		}
		if fs.Changed("clean-before") {
			form.CleanBefore = f.cleanBefore
		}
		if fs.Changed("clean-after") {
			form.CleanAfter = f.cleanAfter
		}
		if fs.Changed("new-deployment") {
			form.NewDeployment = f.newDeployment
		}
	})
}
