// Copyright 2025 IdeaVault
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package usage tracks model spend and query activity.
//
// Costs are integers in millicents (1/1000 of a US cent) so that cheap
// models do not round to zero and no floating point drifts into billing
// paths. Events are written to Postgres asynchronously; a failed write
// is logged and never blocks a response.
package usage
