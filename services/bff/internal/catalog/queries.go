package catalog

const mediaFields = `
  id
  type
  title { romaji english native }
  startDate { year }
  seasonYear
  coverImage { extraLarge large medium }
  genres
  description
`

const trendingQuery = `query Trending($page: Int, $perPage: Int, $type: MediaType, $status: MediaStatus, $genres: [String]) {
  Page(page: $page, perPage: $perPage) {
    media(type: $type, sort: [TRENDING_DESC, POPULARITY_DESC], status: $status, genre_in: $genres) {` + mediaFields + `}
  }
}`

const searchQuery = `query Search($search: String, $page: Int, $perPage: Int, $type: MediaType, $status: MediaStatus, $genres: [String]) {
  Page(page: $page, perPage: $perPage) {
    media(search: $search, type: $type, sort: SEARCH_MATCH, status: $status, genre_in: $genres) {` + mediaFields + `}
  }
}`

const detailsQuery = `query Details($id: Int) {
  Media(id: $id) {` + mediaFields + `
    bannerImage
    endDate { year month day }
    volumes
    studios(isMain: true) { nodes { name } }
    externalLinks { site url }
  }
}`

const recommendationsQuery = `query Recommendations($id: Int, $perPage: Int) {
  Media(id: $id) {
    recommendations(page: 1, perPage: $perPage, sort: RATING_DESC) {
      nodes { mediaRecommendation {` + mediaFields + `} }
    }
  }
}`

const batchQuery = `query Batch($ids: [Int], $type: MediaType, $perPage: Int) {
  Page(page: 1, perPage: $perPage) {
    media(id_in: $ids, type: $type) {
      id
      type
      title { romaji english native }
      coverImage { extraLarge large medium }
    }
  }
}`

// batchChunk is the catalog's page-size ceiling for id_in lookups.
const batchChunk = 50
