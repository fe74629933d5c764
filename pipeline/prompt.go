package pipeline

import (
	"fmt"
	"strings"
)

// BuildDesignDocPrompt builds the prompt for the design document stage from
// the task definition and any collected clarification answers.
func BuildDesignDocPrompt(task *Task, qa *QASession) string {
	var b strings.Builder

	b.WriteString("Create a technical design document for the following task.\n\n")
	fmt.Fprintf(&b, "# Task: %s\n\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "## Description\n%s\n\n", task.Description)
	}
	if len(task.Features) > 0 {
		b.WriteString("## Features\n")
		for _, f := range task.Features {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}
	if qa != nil && len(qa.Answers) > 0 {
		b.WriteString("## Clarifications\n")
		for _, a := range qa.Answers {
			fmt.Fprintf(&b, "Q: %s\nA: %s\n\n", a.Question, a.Answer)
		}
	}
	b.WriteString("Cover architecture, data model, and key trade-offs. ")
	b.WriteString("Respond in Markdown.")
	return b.String()
}

// BuildPRDPrompt builds the prompt for the PRD stage from the task and the
// completed design document.
func BuildPRDPrompt(task *Task, designDoc string) string {
	var b strings.Builder

	b.WriteString("Write a product requirements document based on the design below.\n\n")
	fmt.Fprintf(&b, "# Task: %s\n\n", task.Title)
	if designDoc != "" {
		fmt.Fprintf(&b, "## Design Document\n%s\n\n", designDoc)
	}
	b.WriteString("Include user stories, acceptance criteria, and success metrics. ")
	b.WriteString("Respond in Markdown.")
	return b.String()
}

// BuildPrototypePrompt builds the prompt for the prototype stage from the
// task and the completed PRD.
func BuildPrototypePrompt(task *Task, prd string) string {
	var b strings.Builder

	b.WriteString("Produce a working prototype implementing the requirements below.\n\n")
	fmt.Fprintf(&b, "# Task: %s\n\n", task.Title)
	if prd != "" {
		fmt.Fprintf(&b, "## Requirements\n%s\n\n", prd)
	}
	b.WriteString("Output complete, runnable code with a short usage note.")
	return b.String()
}

// StagePrompt builds the prompt for the named stage from the task's current
// documents.
func StagePrompt(stage string, task *Task, qa *QASession) (string, error) {
	switch stage {
	case StageDesignDoc:
		return BuildDesignDocPrompt(task, qa), nil
	case StagePRD:
		return BuildPRDPrompt(task, task.DesignDocument), nil
	case StagePrototype:
		return BuildPrototypePrompt(task, task.PRD), nil
	default:
		return "", fmt.Errorf("unknown stage %q", stage)
	}
}
