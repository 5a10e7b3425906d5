package job

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/avoronova/clipline/internal/common"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var knownTypes = map[Type]bool{
	TypeFullProcessing:  true,
	TypeAudioExtraction: true,
	TypeTranscription:   true,
	TypeAnalysis:        true,
	TypeClipGeneration:  true,
}

var sourceHosts = map[string]bool{
	"youtube.com":   true,
	"youtu.be":      true,
	"m.youtube.com": true,
}

// ValidateInput checks a submission before it is admitted. Rejected inputs
// never enter the queue.
func ValidateInput(in Input, priority int) common.ValidationErrors {
	var errs common.ValidationErrors

	if in.SourceURL == "" {
		errs = append(errs, common.ValidationError{Field: "source_url", Message: "is required"})
	} else if !isVideoSourceURL(in.SourceURL) {
		errs = append(errs, common.ValidationError{Field: "source_url", Message: "must be a valid YouTube URL"})
	}

	if in.Type == "" {
		errs = append(errs, common.ValidationError{Field: "job_type", Message: "is required"})
	} else if !knownTypes[in.Type] {
		errs = append(errs, common.ValidationError{Field: "job_type", Message: fmt.Sprintf("unknown job type %q", in.Type)})
	}

	if priority < MinPriority || priority > MaxPriority {
		errs = append(errs, common.ValidationError{
			Field:   "priority",
			Message: fmt.Sprintf("must be between %d and %d", MinPriority, MaxPriority),
		})
	}

	if err := validate.Struct(in.Options); err != nil {
		var fieldErrs validator.ValidationErrors
		if ok := isFieldErrors(err, &fieldErrs); ok {
			for _, fe := range fieldErrs {
				errs = append(errs, common.ValidationError{
					Field:   "options." + strings.ToLower(fe.Field()),
					Message: fmt.Sprintf("failed %q validation", fe.Tag()),
				})
			}
		} else {
			errs = append(errs, common.ValidationError{Field: "options", Message: err.Error()})
		}
	}

	return errs
}

func isFieldErrors(err error, out *validator.ValidationErrors) bool {
	fe, ok := err.(validator.ValidationErrors)
	if ok {
		*out = fe
	}
	return ok
}

func isVideoSourceURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	return sourceHosts[host]
}
