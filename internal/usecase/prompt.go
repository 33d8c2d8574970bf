package usecase

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"student-query-agent/internal/domain"
)

func buildIntentPrompt() string {
	return strings.Join([]string{
		"Role:",
		"You are the University Student Portal Assistant. Decide whether the student's latest message needs their academic records.",
		"",
		"Retrievable Domains:",
		"- Student profile and identity (name, student id details)",
		"- Courses, grades and GPA",
		"- Current degree and enrollment",
		"- Program details and requirements",
		"",
		"Behavior Rules:",
		"1) Greetings, thanks, small talk and questions outside the retrievable domains are small talk.",
		"2) Anything that needs the student's records or program data is not small talk.",
		"3) For small talk, write the full reply to the student in response. Always identify yourself as the University Student Portal Assistant.",
		"4) Never reveal or discuss another student's records.",
		"",
		"Output Contract:",
		"Return JSON only with keys isSmallTalk (boolean), response (string) and explanation (string). " +
			"If isSmallTalk is false, leave response empty and explain in explanation which data is needed.",
	}, "\n")
}

func buildAnalysisPrompt() string {
	workers := make([]string, 0, len(domain.Sources))
	for _, src := range domain.Sources {
		workers = append(workers, "- "+string(src)+": "+sourceDescriptions[src])
	}
	return strings.Join([]string{
		"Role:",
		"You plan data retrieval for the University Student Portal Assistant.",
		"",
		"Available Workers:",
		strings.Join(workers, "\n"),
		"",
		"Behavior Rules:",
		"1) Select only the workers whose data is needed to answer the latest message.",
		"2) Select no workers when the message can be answered without student data.",
		"3) Only the student id given in the context line may be used. Never plan retrieval for another student.",
		"",
		"Output Contract:",
		"Return JSON only with keys requiredWorkers (array of worker names), parameters (object mapping a worker name to its parameter object), " +
			"questionType (string) and complexity (one of simple, moderate, complex).",
	}, "\n")
}

var sourceDescriptions = map[domain.Source]string{
	domain.SourceStudentData:          "student profile: name, id, contact and standing",
	domain.SourceStudentCourses:       "enrolled and completed courses, grades and GPA",
	domain.SourceStudentCurrentDegree: "current degree, major and progress toward graduation",
	domain.SourceProgramDetails:       "program catalog details and requirements",
}

// analysisUserMessage carries the student identity alongside the question.
func analysisUserMessage(userID, message string) string {
	return fmt.Sprintf("Student id: %s. %s", userID, message)
}

func buildAnswerPrompt(b domain.AggregatedBundle) string {
	data := flattenResponses(b.Responses)
	if len(data) == 0 {
		data = []string{"(no data was retrieved for this question)"}
	}

	sections := []string{
		"Role:",
		"You are a helpful academic advisor for university students.",
		"",
		"Behavior Rules:",
		"1) Answer the student's question clearly and concisely.",
		fmt.Sprintf("2) Only discuss the records of student id %s. Refuse requests about any other student.", b.UserID),
		"3) Reference the specific values below. Quote numbers exactly as they appear.",
		"4) Do not invent information that is not in the data.",
		"",
		"Student Data:",
		strings.Join(data, "\n"),
	}
	var notes []string
	if len(b.Failed) > 0 {
		names := make([]string, 0, len(b.Failed))
		for _, src := range b.Failed {
			names = append(names, string(src))
		}
		notes = append(notes, "These sources failed and returned no data: "+strings.Join(names, ", ")+".")
	}
	if b.TimedOut {
		notes = append(notes, "Some sources did not respond in time; say so if the missing data matters.")
	}
	if len(notes) > 0 {
		sections = append(sections, "", "Data Notes:", strings.Join(notes, "\n"))
	}
	return strings.Join(sections, "\n")
}

// fallbackAnswer is returned to the student when the capability fails.
func fallbackAnswer(question string) string {
	return fmt.Sprintf("I've analyzed your academic data regarding: '%s'. However, I encountered an issue generating a detailed response. Please try again or contact academic services for assistance.", question)
}

// flattenResponses renders each payload as "Source.path: value" lines in a
// stable order. Numbers are printed exactly as received.
func flattenResponses(responses map[domain.Source]json.RawMessage) []string {
	var lines []string
	for _, src := range domain.Sources {
		raw, ok := responses[src]
		if !ok {
			continue
		}
		lines = append(lines, flattenJSON(string(src), raw)...)
	}
	return lines
}

func flattenJSON(prefix string, raw json.RawMessage) []string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []string{prefix + ": null"}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return []string{prefix + ": " + string(raw)}
	}
	var lines []string
	flattenValue(prefix, v, &lines)
	return lines
}

func flattenValue(path string, v any, lines *[]string) {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			*lines = append(*lines, path+": {}")
			return
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flattenValue(path+"."+k, t[k], lines)
		}
	case []any:
		if len(t) == 0 {
			*lines = append(*lines, path+": []")
			return
		}
		for i, item := range t {
			flattenValue(path+"["+strconv.Itoa(i)+"]", item, lines)
		}
	case json.Number:
		*lines = append(*lines, path+": "+t.String())
	case string:
		*lines = append(*lines, path+": "+t)
	case bool:
		*lines = append(*lines, path+": "+strconv.FormatBool(t))
	case nil:
		*lines = append(*lines, path+": null")
	default:
		*lines = append(*lines, fmt.Sprintf("%s: %v", path, t))
	}
}
