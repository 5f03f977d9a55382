package ai

const ExtractConceptsPrompt = `
# Task Context
You are tasked with extracting **concepts** from a batch of textual elements that all belong to the same corpus.
A concept is a thematic grouping: a capability, requirement, rule, behaviour or topic that one or more elements express.

# Background Data
- **Corpus:** [%s]

Elements (one per block, id first):
%s

# Detailed Task Description & Rules
- Every concept must reference at least one element by its exact id.
- Only use ids that appear in the list above. Never invent ids.
- An element may support several concepts, but prefer one concept per distinct theme.
- Labels are short noun phrases (2 to 6 words). Descriptions are one or two sentences.
- Do not merge unrelated themes into one concept just to reduce the count.

# Output Formatting
Return a single valid JSON object:
{
  "concepts": [
    {
      "label": "string",
      "description": "string",
      "elementIds": ["string"]
    }
  ]
}
Do not include any commentary or text outside of the JSON.
`

const MergeConceptsPrompt = `
# Task Context
You are consolidating a list of concepts extracted from two corpora. This is merge round %d of %d.

# Round Guidance
%s
%s

# Background Data
Active concepts (id, label, description):
%s

# Detailed Task Description & Rules
- Propose merge groups of two or more concept ids that describe the same theme under this round's guidance.
- Every id must be taken from the list above. An id may appear in at most one group.
- Concepts that do not fit any group are simply left out.
- Give every group a merged label and a merged description that covers all members.

# Output Formatting
Return a single valid JSON object:
{
  "merges": [
    {
      "sourceIds": ["C1", "C2"],
      "mergedLabel": "string",
      "mergedDescription": "string"
    }
  ]
}
Do not include any commentary or text outside of the JSON.
`

const MergeTargetHint = `Aim for roughly %d concepts after this round.`

const ScoreConceptPrompt = `
# Task Context
You are rating how well two corpora agree on one concept.
D1 is the reference corpus, D2 is the corpus being compared against it.

# Background Data
- **Concept:** %s
- **Description:** %s

D1 elements:
%s

D2 elements:
%s

# Detailed Task Description & Rules
- Polarity is a number between -1 and 1.
  - 1 means D2 fully and faithfully covers what D1 states.
  - 0 means the corpora touch the concept but are unrelated or inconclusive.
  - -1 means D2 contradicts D1.
- The rationale is one or two sentences naming the decisive evidence.
- Return exactly one cell whose conceptLabel is the concept label above.

# Output Formatting
Return a single valid JSON object:
{
  "cells": [
    {
      "conceptLabel": "string",
      "polarity": 0.0,
      "rationale": "string"
    }
  ]
}
Do not include any commentary or text outside of the JSON.
`

const VennPrompt = `
# Task Context
You are summarizing the coverage between two corpora as a three way partition:
concepts unique to D1, concepts covered by both, and concepts unique to D2.

# Background Data
Merged concepts (present in both corpora):
%s

D1 only concepts:
%s

D2 only concepts:
%s

Alignment scores (label, polarity, rationale):
%s

# Detailed Task Description & Rules
- Put every listed concept into exactly one of unique_to_d1, aligned or unique_to_d2, keeping its label unchanged.
- You may add further D2 only themes you notice in the scores or descriptions that are not listed above.
- Criticality is one of critical, major, minor, info.
- Evidence quotes or paraphrases the concrete elements that justify the categorization.
- The summary overview is one paragraph. The summary score is your own estimate between 0 and 100.

# Output Formatting
Return a single valid JSON object:
{
  "unique_to_d1": [{"label": "string", "criticality": "string", "evidence": "string", "polarity": 0.0, "description": "string"}],
  "aligned": [{"label": "string", "criticality": "string", "evidence": "string", "polarity": 0.0, "description": "string"}],
  "unique_to_d2": [{"label": "string", "criticality": "string", "evidence": "string", "polarity": 0.0, "description": "string"}],
  "summary": {"overview": "string", "score": 0.0}
}
Do not include any commentary or text outside of the JSON.
`
