package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nosey/viewership-pipeline/internal/model"
)

// Success messages returned to the caller.
const (
	MessageLegacyComplete        = "Data processed successfully"
	MessagePreNormalizedComplete = "Streamlit upload processed successfully"
)

func describe(b model.Batch) string {
	return fmt.Sprintf("platform %s, filename %s, label/type %s and domain %s", b.Platform, b.Filename, b.Type, b.Domain)
}

func legacyLandingBody(b model.Batch, _ model.Tables) string {
	return fmt.Sprintf("Your data failed processing at intial lambda verfication phase for %s.", describe(b))
}

func legacyStagingBody(b model.Batch, _ model.Tables) string {
	return fmt.Sprintf("Your data failed processing at phase while moving the data to staging for %s.", describe(b))
}

func legacyNormalizedBody(b model.Batch, _ model.Tables) string {
	return fmt.Sprintf("Your data failed processing at phase 1. Unable to verify the correct record count and total viewership hours for %s.", describe(b))
}

func legacyMatchedBody(b model.Batch, t model.Tables) string {
	return strings.Join([]string{
		"Your data failed processing at phase to update content references.",
		fmt.Sprintf("Please check records in %s table for %s.", t.Staging, describe(b)),
		"Update the ref_id, asset_title, asset_series etc required data and insert into final table.",
	}, "\n")
}

func preNormalizedLandingBody(b model.Batch, _ model.Tables) string {
	return fmt.Sprintf("Unable to find uploaded data for %s.", describe(b))
}

func preNormalizedStagingBody(b model.Batch, _ model.Tables) string {
	return fmt.Sprintf("Data failed to move to staging for platform %s, filename %s.", b.Platform, b.Filename)
}

func preNormalizedMatchedBody(b model.Batch, t model.Tables) string {
	return strings.Join([]string{
		"Your data failed processing at phase 2 (content references).",
		fmt.Sprintf("Please check records in %s table for %s.", t.Staging, describe(b)),
		"Update the ref_id, asset_title, asset_series etc required data and insert into final table.",
	}, "\n")
}

func finalBody(model.Batch, model.Tables) string {
	return "Unable to complete final verify phase while moving to final table."
}

func faultBody(err error) string {
	return "Error during post-processing: " + err.Error()
}

func successBody(b model.Batch) string {
	lines := []string{
		"Your data processing is complete for",
		fmt.Sprintf("Platform: %s,", b.Platform),
		fmt.Sprintf("Domain: %s,", b.Domain),
		fmt.Sprintf("Type: %s,", b.Type),
		fmt.Sprintf("Filename: %s,", b.Filename),
		fmt.Sprintf("Total Records: %d,", b.RecordCount),
		"Total Hours of Viewership: " + strconv.FormatFloat(b.TotHOV, 'f', -1, 64),
	}
	if b.Route() == model.RoutePreNormalized {
		lines = append(lines, "", "Processing Path: Streamlit (with transformations)")
	}
	return strings.Join(lines, "\n")
}

func successMessage(r model.Route) string {
	if r == model.RoutePreNormalized {
		return MessagePreNormalizedComplete
	}
	return MessageLegacyComplete
}
